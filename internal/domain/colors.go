package domain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultZoneColor is used for UnassignedZone and for labels missing from the mapping.
const DefaultZoneColor = "#CCCCCC"

// ZoneColors maps zone labels to display colours. The core only reads it.
type ZoneColors map[string]string

// LoadZoneColors reads a label->colour table from a .json or .yaml file.
func LoadZoneColors(path string) (ZoneColors, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read zone colors: %w", err)
	}
	colors := ZoneColors{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &colors)
	default:
		err = json.Unmarshal(data, &colors)
	}
	if err != nil {
		return nil, fmt.Errorf("decode zone colors %s: %w", path, err)
	}
	return colors, nil
}

// Color returns the colour for zone.
func (c ZoneColors) Color(zone string) string {
	if zone == UnassignedZone {
		return DefaultZoneColor
	}
	if color, ok := c[zone]; ok && strings.TrimSpace(color) != "" {
		return color
	}
	return DefaultZoneColor
}
