package domain

import "time"

type LoginMode string

const (
	LoginModeBot  LoginMode = "bot"
	LoginModeUser LoginMode = "user"
)

// SweepOptions controls one pass over all configured channels.
type SweepOptions struct {
	PerChannelLimit      int
	PauseBetweenChannels time.Duration
	PauseBetweenMessages time.Duration
	LoginMode            LoginMode // empty means the configured mode
}

// SweepResult holds statistics about a sweep.
type SweepResult struct {
	ChannelsTotal    int               `json:"channels_total"`
	ChannelsOK       []string          `json:"channels_ok"`
	ChannelsFailed   map[string]string `json:"channels_failed"`
	IngestedMessages int               `json:"ingested_messages"`
	DownloadedMedia  int               `json:"downloaded_media"`
	PerChannelLimit  int               `json:"per_channel_limit"`
}

func NewSweepResult(channels, limit int) *SweepResult {
	return &SweepResult{
		ChannelsTotal:   channels,
		ChannelsOK:      []string{},
		ChannelsFailed:  make(map[string]string),
		PerChannelLimit: limit,
	}
}
