// Package content loads the static per-scene tables the coordination core
// reads: in-bounds regions, respawn points, and teleporter destinations.
package content

import (
	"fmt"

	"github.com/spf13/viper"

	scenemesh "go-scenemesh"
)

type pointConfig struct {
	X float64 `mapstructure:"x"`
	Y float64 `mapstructure:"y"`
	Z float64 `mapstructure:"z"`
}

type regionConfig struct {
	Name string      `mapstructure:"name"`
	Min  pointConfig `mapstructure:"min"`
	Max  pointConfig `mapstructure:"max"`
}

type sceneConfig struct {
	Regions  []regionConfig `mapstructure:"regions"`
	Respawns []pointConfig  `mapstructure:"respawns"`
}

type teleporterConfig struct {
	WorldID  int32       `mapstructure:"world_id"`
	Scene    string      `mapstructure:"scene"`
	Address  string      `mapstructure:"address"`
	Position pointConfig `mapstructure:"position"`
}

type catalogConfig struct {
	Scenes      map[string]sceneConfig      `mapstructure:"scenes"`
	Teleporters map[string]teleporterConfig `mapstructure:"teleporters"`
}

// Catalog is an immutable, file-loaded implementation of the core's content
// collaborator.
type Catalog struct {
	regions     map[string][]scenemesh.Region
	respawns    map[string][]scenemesh.Position
	teleporters map[string]scenemesh.TeleportDest
}

// Load reads a catalog file (any format viper understands; yaml in
// practice).
func Load(path string) (*Catalog, error) {
	var v = viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read content catalog: %w", err)
	}

	var config catalogConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse content catalog: %w", err)
	}

	var catalog = &Catalog{
		regions:     make(map[string][]scenemesh.Region),
		respawns:    make(map[string][]scenemesh.Position),
		teleporters: make(map[string]scenemesh.TeleportDest),
	}

	for sceneName, scene := range config.Scenes {
		for _, region := range scene.Regions {
			catalog.regions[sceneName] = append(catalog.regions[sceneName], scenemesh.Region{
				Name: region.Name,
				Min:  position(region.Min),
				Max:  position(region.Max),
			})
		}
		for _, point := range scene.Respawns {
			catalog.respawns[sceneName] = append(catalog.respawns[sceneName], position(point))
		}
	}

	for name, teleporter := range config.Teleporters {
		catalog.teleporters[name] = scenemesh.TeleportDest{
			WorldID:  teleporter.WorldID,
			Scene:    teleporter.Scene,
			Address:  teleporter.Address,
			Position: position(teleporter.Position),
		}
	}

	return catalog, nil
}

func position(p pointConfig) scenemesh.Position {
	return scenemesh.Position{X: p.X, Y: p.Y, Z: p.Z}
}

// Regions returns the named in-bounds regions for a scene.
func (c *Catalog) Regions(sceneName string) []scenemesh.Region {
	return c.regions[sceneName]
}

// RespawnPoints returns the scene's respawn points.
func (c *Catalog) RespawnPoints(sceneName string) []scenemesh.Position {
	return c.respawns[sceneName]
}

// Teleporter resolves a teleporter name to its destination.
func (c *Catalog) Teleporter(fromName string) (scenemesh.TeleportDest, bool) {
	var dest, ok = c.teleporters[fromName]
	return dest, ok
}
