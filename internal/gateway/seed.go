// ABOUTME: Seeding of the built-in system avatars available to every user.
// ABOUTME: Runs at startup and is idempotent across restarts.

package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/reklamaton/avatar-gateway/internal/store"
)

// systemAvatarSeeds is the default cast offered to every user.
// Each ships with a ready portrait, so no generation jobs run at startup.
var systemAvatarSeeds = []store.Avatar{
	{
		Name:        "Alice the Philosopher",
		Personality: "Thoughtful and measured, asks probing questions",
		Features:    "Socratic conversation style",
		Age:         30,
		Gender:      "female",
		Hobbies:     "the pursuit of truth",
		ImageRef:    "https://i.pravatar.cc/150?img=65",
	},
	{
		Name:        "Boris the Joker",
		Personality: "Witty, loves a good anecdote",
		Features:    "Humor in every reply",
		Age:         28,
		Gender:      "male",
		Hobbies:     "stand-up, memes, gentle teasing",
		ImageRef:    "https://i.pravatar.cc/150?img=66",
	},
	{
		Name:        "Svetlana the Coach",
		Personality: "Supportive and empathetic",
		Features:    "Gives advice and encouragement",
		Age:         35,
		Gender:      "female",
		Hobbies:     "meditation, coaching, psychology",
		ImageRef:    "https://i.pravatar.cc/150?img=67",
	},
	{
		Name:        "Dmitry the Engineer",
		Personality: "Logical and thorough",
		Features:    "Backs answers with code examples and references",
		Age:         40,
		Gender:      "male",
		Hobbies:     "programming, electronics",
		ImageRef:    "https://i.pravatar.cc/150?img=68",
	},
}

// seedSystemAvatars inserts the built-in avatars once. If any system avatar
// already exists the seed is a no-op, so restarts never duplicate the cast.
func (g *Gateway) seedSystemAvatars(ctx context.Context) error {
	count, err := g.store.CountSystemAvatars(ctx)
	if err != nil {
		return fmt.Errorf("counting system avatars: %w", err)
	}
	if count > 0 {
		return nil
	}

	for _, seed := range systemAvatarSeeds {
		avatar := seed
		avatar.ID = uuid.New().String()
		avatar.System = true
		avatar.ImageStatus = store.ImageStatusReady
		avatar.CreatedAt = time.Now().UTC()
		avatar.Instructions = buildInstructions(&avatar)

		if err := g.store.CreateAvatar(ctx, &avatar); err != nil {
			return fmt.Errorf("seeding avatar %q: %w", avatar.Name, err)
		}
	}

	g.logger.Info("seeded system avatars", "count", len(systemAvatarSeeds))
	return nil
}
