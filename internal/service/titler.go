package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/streamlane/chat-relay/internal/model"
)

const titlePrompt = "Write a title of at most six words for a conversation that opens with the message below. Reply with the title only.\n\n%s"

// generateTitle names an untitled conversation from its opening message. Runs
// after the first completed turn; failures only log.
func (s *TurnService) generateTitle(ctx context.Context, conv *model.Conversation, firstContent string) {
	title, err := s.llm.Complete(ctx, s.defaultModel, fmt.Sprintf(titlePrompt, firstContent))
	if err != nil {
		s.logger.Warn("title generation failed",
			zap.String("conversation_id", conv.ID), zap.Error(err))
		return
	}

	title = strings.Trim(strings.TrimSpace(title), `"`)
	if title == "" {
		return
	}
	if len(title) > 80 {
		title = title[:80]
	}

	if err := s.store.TouchConversation(ctx, conv.ID, title); err != nil {
		s.logger.Warn("failed to store generated title",
			zap.String("conversation_id", conv.ID), zap.Error(err))
		return
	}

	s.logger.Info("conversation titled",
		zap.String("conversation_id", conv.ID), zap.String("title", title))
}
