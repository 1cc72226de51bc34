// ABOUTME: Builders for avatar persona instructions and portrait prompts.
// ABOUTME: Turns profile fields into the texts the assistant and image jobs use.

package gateway

import (
	"fmt"
	"strings"

	"github.com/reklamaton/avatar-gateway/internal/store"
)

// buildInstructions composes the persona system prompt replayed on every
// assistant run for this avatar. Empty profile fields are skipped.
func buildInstructions(a *store.Avatar) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, a virtual companion in a chat application. Always stay in character.", a.Name)

	if a.Personality != "" {
		fmt.Fprintf(&b, "\nPersonality: %s.", a.Personality)
	}
	if a.Features != "" {
		fmt.Fprintf(&b, "\nConversation style: %s.", a.Features)
	}
	if a.Age > 0 {
		fmt.Fprintf(&b, "\nYou are %d years old.", a.Age)
	}
	if a.Gender != "" {
		fmt.Fprintf(&b, "\nGender: %s.", a.Gender)
	}
	if a.Hobbies != "" {
		fmt.Fprintf(&b, "\nYour interests: %s.", a.Hobbies)
	}

	b.WriteString("\nAnswer in the language the user writes in. Keep replies conversational and in persona.")

	return b.String()
}

// buildImagePrompt composes the text-to-image prompt for the avatar's portrait.
func buildImagePrompt(a *store.Avatar) string {
	parts := []string{fmt.Sprintf("portrait of %s", a.Name)}

	if a.Gender != "" {
		parts = append(parts, a.Gender)
	}
	if a.Age > 0 {
		parts = append(parts, fmt.Sprintf("%d years old", a.Age))
	}
	if a.Personality != "" {
		parts = append(parts, a.Personality)
	}
	if a.Features != "" {
		parts = append(parts, a.Features)
	}
	if a.Hobbies != "" {
		parts = append(parts, fmt.Sprintf("interests: %s", a.Hobbies))
	}

	parts = append(parts, "digital art, detailed face, friendly expression")

	return strings.Join(parts, ", ")
}
