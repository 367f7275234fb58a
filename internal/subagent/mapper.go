package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Docfold-Labs/docfold/internal/generate"
)

const mapperSystem = "You build user story maps: the backbone of user activities, the tasks " +
	"under each activity, and the stories under each task. Keep titles short."

var storyMapSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"activities": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title": map[string]any{"type": "string"},
					"tasks": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"title":   map[string]any{"type": "string"},
								"stories": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
							},
							"required": []string{"title"},
						},
					},
				},
				"required": []string{"title"},
			},
		},
	},
	"required": []string{"activities"},
}

// Activity is one backbone column of a story map.
type Activity struct {
	Title string `json:"title"`
	Tasks []Task `json:"tasks,omitempty"`
}

// Task groups the stories under an activity.
type Task struct {
	Title   string   `json:"title"`
	Stories []string `json:"stories,omitempty"`
}

// StoryMapper writes a user story map from the context analysis. Its shape
// is mechanical enough to construct deterministically when generation is
// unavailable.
type StoryMapper struct {
	client generate.Client
}

// NewStoryMapper creates the mapper over a generation client
func NewStoryMapper(client generate.Client) *StoryMapper {
	return &StoryMapper{client: client}
}

func (m *StoryMapper) Manifest() Manifest {
	return Manifest{
		ID:           IDStoryMapper,
		Produces:     "story-map",
		Consumes:     []string{KindAnalysis},
		Capabilities: []string{"markdown", "fallback"},
		Version:      "1.0.0",
	}
}

func (m *StoryMapper) Execute(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	emit.Emit(StageContext, map[string]any{"step": req.StepID, "subagent": IDStoryMapper})

	analysis := AnalysisFrom(req.Inputs)

	emit.Emit(StageGeneration, map[string]any{
		"step":   req.StepID,
		"topics": len(analysis.Topics),
	})

	activities, usage, strategy, err := m.buildMap(ctx, req, analysis)
	if err != nil {
		return nil, err
	}

	object, err := json.Marshal(map[string]any{"activities": activities})
	if err != nil {
		return nil, fmt.Errorf("encode story map: %w", err)
	}

	emit.Emit(StageReady, map[string]any{
		"step":     req.StepID,
		"outputs":  len(activities),
		"strategy": strategy,
	})

	return &Result{
		Artifact: Artifact{
			Kind:    req.Produces,
			Title:   "Story Map",
			Section: req.Section,
			Content: renderStoryMap(activities),
			Object:  object,
		},
		Metadata: map[string]any{"activities": len(activities), "strategy": strategy},
		Usage:    usage,
		Strategy: strategy,
	}, nil
}

func (m *StoryMapper) buildMap(ctx context.Context, req Request, analysis Analysis) ([]Activity, generate.Usage, string, error) {
	result, err := m.client.Complete(ctx, generate.Request{
		System:      mapperSystem,
		Prompt:      storyMapPrompt(analysis),
		Schema:      storyMapSchema,
		SchemaName:  "story_map",
		Model:       req.Settings.Model,
		Temperature: req.Settings.Temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, generate.Usage{}, "", err
		}
		return fallbackStoryMap(analysis), generate.Usage{}, StrategyFallback, nil
	}

	var out struct {
		Activities []Activity `json:"activities"`
	}
	if err := json.Unmarshal(result.Object, &out); err != nil || len(out.Activities) == 0 {
		return fallbackStoryMap(analysis), result.Usage, StrategyFallback, nil
	}
	return out.Activities, result.Usage, StrategyModel, nil
}

func storyMapPrompt(analysis Analysis) string {
	var b strings.Builder
	b.WriteString("Build the user story map.\n")
	if analysis.Summary != "" {
		fmt.Fprintf(&b, "\nProduct: %s\n", analysis.Summary)
	}
	if analysis.Audience != "" {
		fmt.Fprintf(&b, "\nAudience: %s\n", analysis.Audience)
	}
	if len(analysis.Topics) > 0 {
		b.WriteString("\nActivities to map:\n")
		for _, topic := range analysis.Topics {
			fmt.Fprintf(&b, "- %s\n", topic)
		}
	}
	return b.String()
}

// fallbackStoryMap derives one activity per topic with a single task and
// story each
func fallbackStoryMap(analysis Analysis) []Activity {
	topics := analysis.Topics
	if len(topics) == 0 {
		topics = []string{firstNonEmpty(analysis.Summary, "Core flow")}
	}
	role := firstNonEmpty(analysis.Audience, "user")

	activities := make([]Activity, 0, len(topics))
	for _, topic := range topics {
		activities = append(activities, Activity{
			Title: topic,
			Tasks: []Task{{
				Title:   topic,
				Stories: []string{fmt.Sprintf("As a %s, I want %s.", role, topic)},
			}},
		})
	}
	return activities
}

func renderStoryMap(activities []Activity) string {
	var b strings.Builder
	b.WriteString("## Story Map\n")
	for _, activity := range activities {
		fmt.Fprintf(&b, "\n### %s\n", activity.Title)
		for _, task := range activity.Tasks {
			fmt.Fprintf(&b, "\n**%s**\n\n", task.Title)
			for _, story := range task.Stories {
				fmt.Fprintf(&b, "- %s\n", story)
			}
		}
	}
	return b.String()
}
