package seasonsync

import (
	"context"

	logx "arpgbot/pkg/logx"
)

// LogAnnouncer only logs announcements. It backs dry runs and setups
// without a delivery transport; every announcement counts as delivered.
type LogAnnouncer struct {
	Log logx.Logger
}

func (a LogAnnouncer) Announce(_ context.Context, an Announcement) error {
	fields := []logx.Field{
		logx.String("community", an.Community),
		logx.String("game", an.Season.Game),
		logx.String("season", an.Season.Name),
		logx.String("key", an.Season.Key),
	}
	if an.Season.HasStart() {
		fields = append(fields, logx.Time("start", an.Season.Start))
	}
	a.Log.Info("announce (dry run)", fields...)
	return nil
}
