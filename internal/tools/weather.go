package tools

import (
	"context"
	"errors"
	"math/rand/v2"

	"github.com/ashureev/shsh-tutor/internal/domain"
)

// WeatherToolName is the name of the weather tool.
const WeatherToolName = "get_weather"

var weatherConditions = []string{"Sunny", "Cloudy", "Rainy", "Snowy"}

// WeatherResult is the payload of get_weather.
type WeatherResult struct {
	Location    string `json:"location"`
	Temperature int    `json:"temperature"`
	Condition   string `json:"condition"`
	Humidity    int    `json:"humidity"`
}

// WeatherTool reports simulated current weather for a location.
type WeatherTool struct {
	rng *rand.Rand
}

// NewWeatherTool creates the weather tool. A nil rng uses the global source.
func NewWeatherTool(rng *rand.Rand) *WeatherTool {
	return &WeatherTool{rng: rng}
}

// Definition implements Tool.
func (t *WeatherTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        WeatherToolName,
		Description: "Get current weather information for a location",
		Parameters: domain.ObjectSchema(map[string]any{
			"location": map[string]any{"type": "string", "description": "The city or location name"},
		}, "location"),
	}
}

// Execute implements Tool.
func (t *WeatherTool) Execute(_ context.Context, args map[string]any) (any, error) {
	location, _ := args["location"].(string)
	if location == "" {
		return nil, errors.New("location is required")
	}
	return WeatherResult{
		Location:    location,
		Temperature: t.intN(40) - 10,
		Condition:   weatherConditions[t.intN(len(weatherConditions))],
		Humidity:    t.intN(100),
	}, nil
}

func (t *WeatherTool) intN(n int) int {
	if t.rng != nil {
		return t.rng.IntN(n)
	}
	return rand.IntN(n)
}
