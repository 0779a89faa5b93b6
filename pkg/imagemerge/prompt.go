package imagemerge

import "fmt"

// DefaultScene is used when the caller leaves the scene empty
const DefaultScene = "glamorous red carpet"

const promptTemplate = "Merge these two people into a single image, as if they are standing together on a %s. " +
	"Ensure the second person's face is clear and an accurate representation of the original image. " +
	"Make the image fun and look like a high-fashion photo shoot. " +
	"Negative prompt: distorted faces, multiple faces, blurry facial features, asymmetrical eyes."

var backgroundOptions = []string{
	"Red Carpet Premiere",
	"Tropical Beach Paradise",
	"Futuristic Spaceship Lounge",
	"Cozy Coffee Shop Corner",
	"Vibrant Music Festival",
}

// BackgroundOptions returns the preset scenes offered to users
func BackgroundOptions() []string {
	return append([]string(nil), backgroundOptions...)
}

// BuildPrompt returns the instruction text for a scene
func BuildPrompt(scene string) string {
	if scene == "" {
		scene = DefaultScene
	}
	return fmt.Sprintf(promptTemplate, scene)
}
