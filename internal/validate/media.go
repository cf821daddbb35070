package validate

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/parget/parget/internal/utils"
)

// Outcome is the result of the external integrity check. Unavailable means
// the checker tool is missing, which is informational and never a download
// failure.
type Outcome int

const (
	Valid Outcome = iota
	Invalid
	Unavailable
)

func (o Outcome) String() string {
	switch o {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Unavailable:
		return "unavailable"
	}
	return "unknown"
}

var mediaExtensions = map[string]bool{
	".mp4":  true,
	".mkv":  true,
	".mov":  true,
	".avi":  true,
	".flv":  true,
	".wmv":  true,
	".webm": true,
	".mpg":  true,
	".mpeg": true,
	".m4v":  true,
	".mp3":  true,
	".aac":  true,
	".wav":  true,
	".flac": true,
	".ogg":  true,
}

// ShouldCheck reports whether the file extension is one the media checker
// understands.
func ShouldCheck(path string) bool {
	return mediaExtensions[strings.ToLower(filepath.Ext(path))]
}

// CheckMedia remuxes the finished file through ffmpeg's null muxer and treats
// any decoder complaint as corruption.
func CheckMedia(ctx context.Context, path string) (Outcome, error) {
	log := utils.GetLogger("validate")
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		log.Debug().Msg("ffmpeg not found, skipping media check")
		return Unavailable, nil
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", "-v", "error", "-i", path, "-c", "copy", "-f", "null", os.DevNull)
	out, err := cmd.CombinedOutput()
	if err != nil || len(bytes.TrimSpace(out)) > 0 {
		log.Debug().Err(err).Str("output", string(out)).Msg("Media check reported errors")
		return Invalid, nil
	}
	return Valid, nil
}
