package play

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// DefaultPlayers lists the supported players in order of preference
var DefaultPlayers = []string{"mpv", "ffplay", "vlc"}

// Player plays in-memory recordings through an external player reading stdin
type Player struct {
	players []string
}

func New() *Player {
	return &Player{players: DefaultPlayers}
}

// Play feeds content to the first available player and waits for it to exit
func (p *Player) Play(ctx context.Context, title string, content io.Reader) error {
	player, err := p.findVideoPlayer()
	if err != nil {
		return fmt.Errorf("no suitable video player found: %w", err)
	}

	args, err := playerArgs(player, title)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, player, args...)
	cmd.Stdin = content

	slog.Info("Playing recording", "name", title, "player", player)

	if output, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("playback failed with %s: %w (output: %s)", player, err, strings.TrimSpace(string(output)))
	}

	slog.Debug("Playback completed", "name", title)
	return nil
}

func playerArgs(player, title string) ([]string, error) {
	switch player {
	case "mpv":
		return []string{"--really-quiet", "--force-media-title=" + title, "-"}, nil
	case "ffplay":
		return []string{"-autoexit", "-loglevel", "warning", "-window_title", title, "-i", "pipe:0"}, nil
	case "vlc":
		return []string{"--play-and-exit", "--meta-title=" + title, "-"}, nil
	default:
		return nil, fmt.Errorf("unsupported player: %s", player)
	}
}

func (p *Player) findVideoPlayer() (string, error) {
	for _, player := range p.players {
		if _, err := exec.LookPath(player); err == nil {
			return player, nil
		}
	}

	return "", fmt.Errorf("no video player found (tried: %s)", strings.Join(p.players, ", "))
}
