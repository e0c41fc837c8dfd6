package protocol

import (
	"github.com/google/uuid"
)

// videoService is the streamer-side unit controlled by the service command.
const videoService = "v3xctrl-video"

// NewCommand builds a Command with a fresh random id.
func NewCommand(name string, params Map) Command {
	if params == nil {
		params = Map{}
	}
	return Command{Name: name, Params: params, ID: uuid.NewString()}
}

func actionCommand(name, action string) Command {
	return NewCommand(name, Map{"action": StringValue(action)})
}

func serviceCommand(action string) Command {
	return NewCommand("service", Map{
		"action": StringValue(action),
		"name":   StringValue(videoService),
	})
}

// Common streamer commands.
func VideoStart() Command     { return serviceCommand("start") }
func VideoStop() Command      { return serviceCommand("stop") }
func RecordingStart() Command { return actionCommand("recording", "start") }
func RecordingStop() Command  { return actionCommand("recording", "stop") }
func TrimIncrease() Command   { return actionCommand("trim", "increase") }
func TrimDecrease() Command   { return actionCommand("trim", "decrease") }
func Shutdown() Command       { return NewCommand("shutdown", nil) }
func Restart() Command        { return NewCommand("restart", nil) }

// Catalogue maps the short names accepted on the command line and the status
// feed to their command constructors.
var Catalogue = map[string]func() Command{
	"video-start":     VideoStart,
	"video-stop":      VideoStop,
	"recording-start": RecordingStart,
	"recording-stop":  RecordingStop,
	"trim-increase":   TrimIncrease,
	"trim-decrease":   TrimDecrease,
	"shutdown":        Shutdown,
	"restart":         Restart,
}
