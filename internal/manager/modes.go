package manager

import (
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/paseodev/paseo/internal/common/logger"
	v1 "github.com/paseodev/paseo/pkg/api/v1"
)

// modesOverlay lets operators rename or re-describe provider modes via
// paseoHome/modes.yaml:
//
//	modes:
//	  full-access:
//	    name: YOLO
//	    description: No gates at all
type modesOverlay struct {
	Modes map[string]modeOverride `yaml:"modes"`
}

type modeOverride struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

func loadModesOverlay(path string, log *logger.Logger) *modesOverlay {
	overlay := &modesOverlay{}
	if path == "" {
		return overlay
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("modes overlay unreadable", zap.String("path", path), zap.Error(err))
		}
		return overlay
	}
	if err := yaml.Unmarshal(data, overlay); err != nil {
		log.Warn("modes overlay invalid", zap.String("path", path), zap.Error(err))
		return &modesOverlay{}
	}
	return overlay
}

// apply rewrites mode display fields according to the overlay.
func (o *modesOverlay) apply(modes []v1.Mode) []v1.Mode {
	if o == nil || len(o.Modes) == 0 || len(modes) == 0 {
		return modes
	}
	out := make([]v1.Mode, len(modes))
	copy(out, modes)
	for i, m := range out {
		if ov, ok := o.Modes[m.ID]; ok {
			if ov.Name != "" {
				out[i].Name = ov.Name
			}
			if ov.Description != "" {
				out[i].Description = ov.Description
			}
		}
	}
	return out
}
