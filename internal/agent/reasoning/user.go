package reasoning

import (
	"context"

	"github.com/mohammad-safakhou/reasoner/internal/agent/core"
)

// User stands in for the human end of a conversation. It is the sender of
// top-level requests and the receiver of final answers; it never replies
// itself.
type User struct{}

func (User) Name() string        { return core.UserName }
func (User) Description() string { return "the user of the conversation" }
func (User) ShowMessage() bool   { return true }

func (User) GenerateReply(ctx context.Context, received *core.Message, sender core.Agent) (*core.Message, error) {
	return nil, nil
}
