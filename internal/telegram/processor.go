package telegram

import (
	"context"
	"strconv"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"

	"confidant/internal/metrics"
	"confidant/internal/queue"
)

// Processor drops redelivered updates and, when AllowedUserID is set,
// updates from anyone else.
type Processor struct {
	Base          ext.BaseProcessor
	Dedupe        *queue.Deduplicator
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
	AllowedUserID int64
}

func (p Processor) ProcessUpdate(d *ext.Dispatcher, b *gotgbot.Bot, ctx *ext.Context) error {
	if p.Metrics != nil {
		p.Metrics.UpdatesTotal.Inc()
	}
	if !allowed(p.AllowedUserID, ctx.EffectiveUser) {
		p.Logger.Debug().Int64("update_id", ctx.UpdateId).Msg("ignoring update from unauthorized user")
		return nil
	}
	if p.Dedupe != nil {
		first, err := p.Dedupe.MarkFirst(context.Background(), strconv.FormatInt(ctx.UpdateId, 10))
		if err != nil {
			p.Logger.Error().Err(err).Int64("update_id", ctx.UpdateId).Msg("failed to dedupe update")
		} else if !first {
			return nil
		}
	}
	return p.Base.ProcessUpdate(d, b, ctx)
}

func allowed(allowedUserID int64, user *gotgbot.User) bool {
	if allowedUserID <= 0 {
		return true
	}
	return user != nil && user.Id == allowedUserID
}
