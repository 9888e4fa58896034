package checks

import (
	"github.com/streamchecker/streamchecker/server/internal/config"
	"github.com/streamchecker/streamchecker/server/internal/pipeline"
)

// New returns the production checkers for every stage.
func New(cfg config.ChecksConfig) pipeline.Checkers {
	return pipeline.Checkers{
		Connectivity:  NewConnectivity(),
		PlayerTest:    NewPlayer(cfg.FFmpegPath, nil),
		AudioAnalysis: NewAudio(cfg.FFmpegPath, nil),
		AdDetection:   NewAds(),
	}
}
