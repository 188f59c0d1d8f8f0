package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/agentsync/internal/domain"
)

// ConfigStore версионированные настройки агента и его координаты.
type ConfigStore struct {
	core *core
}

// GetConfig отдает копию карты настроек вместе с версией.
func (s *ConfigStore) GetConfig(ctx context.Context, agentID int64) (domain.ConfigSnapshot, error) {
	c := s.core
	snap, err := readThrough(ctx, c, "config", configKey(agentID), c.opts.SettingsTTL, func(ctx context.Context) (domain.ConfigSnapshot, error) {
		return c.store.LoadSettings(ctx, agentID, c.clock.Now())
	})
	if err != nil {
		return domain.ConfigSnapshot{}, err
	}
	return snap.Clone(), nil
}

// GetRuntimeEditableView только параметры, которые можно менять на лету.
func (s *ConfigStore) GetRuntimeEditableView(ctx context.Context, agentID int64) (domain.ConfigMap, error) {
	snap, err := s.GetConfig(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return domain.RuntimeView(snap.Params), nil
}

func (s *ConfigStore) GetConfigVersion(ctx context.Context, agentID int64) (int64, error) {
	snap, err := s.GetConfig(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return snap.Version, nil
}

// SaveConfig заменяет карту целиком (last-write-wins) и возвращает новую версию.
func (s *ConfigStore) SaveConfig(ctx context.Context, agentID int64, m domain.ConfigMap) (int64, error) {
	return s.save(ctx, agentID, m, nil)
}

// SaveConfigIfVersion пишет только если сохраненная версия равна expected, иначе ErrConflict.
func (s *ConfigStore) SaveConfigIfVersion(ctx context.Context, agentID int64, m domain.ConfigMap, expected int64) (int64, error) {
	return s.save(ctx, agentID, m, &expected)
}

func (s *ConfigStore) save(ctx context.Context, agentID int64, m domain.ConfigMap, expected *int64) (int64, error) {
	valid, err := domain.ValidateConfig(m)
	if err != nil {
		return 0, err
	}
	c := s.core
	version, err := write(ctx, c, "save settings", func(ctx context.Context) (int64, error) {
		return c.store.SaveSettings(ctx, agentID, valid, expected, c.clock.Now())
	})
	if err != nil {
		return 0, err
	}
	c.bus.Invalidate(ctx, configKey(agentID))
	c.logger.Debug("settings saved", zap.Int64("agent_id", agentID), zap.Int64("version", version))
	return version, nil
}

// UpdateParams меняет отдельные параметры поверх текущей карты через CAS.
// expected == nil — CAS против только что прочитанной версии.
func (s *ConfigStore) UpdateParams(ctx context.Context, agentID int64, patch domain.ConfigMap, expected *int64) (domain.ConfigSnapshot, error) {
	if len(patch) == 0 {
		return domain.ConfigSnapshot{}, fmt.Errorf("%w: empty patch", domain.ErrValidation)
	}
	c := s.core
	// читаем мимо кэша: CAS должен сравнивать с актуальной версией
	cur, err := write(ctx, c, "load settings", func(ctx context.Context) (domain.ConfigSnapshot, error) {
		return c.store.LoadSettings(ctx, agentID, c.clock.Now())
	})
	if err != nil {
		return domain.ConfigSnapshot{}, err
	}
	if expected != nil && *expected != cur.Version {
		return domain.ConfigSnapshot{}, fmt.Errorf("%w: version %d, expected %d", domain.ErrConflict, cur.Version, *expected)
	}

	next := cur.Params.Clone()
	for name, p := range patch {
		next[name] = p
	}
	version, err := s.save(ctx, agentID, next, &cur.Version)
	if err != nil {
		return domain.ConfigSnapshot{}, err
	}
	return domain.ConfigSnapshot{Params: next, Version: version}, nil
}

// Coordinates каталог точек с наложенными значениями агента.
func (s *ConfigStore) Coordinates(ctx context.Context, agentID int64) ([]domain.Coordinate, error) {
	c := s.core
	coords, err := readThrough(ctx, c, "coords", coordsKey(agentID), c.opts.SettingsTTL, func(ctx context.Context) ([]domain.Coordinate, error) {
		overrides, err := c.store.LoadCoordinates(ctx, agentID)
		if err != nil {
			return nil, err
		}
		return domain.MergeCoordinates(overrides), nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Coordinate, len(coords))
	copy(out, coords)
	return out, nil
}

// SaveCoordinate сохраняет точку и поднимает версию конфигурации.
func (s *ConfigStore) SaveCoordinate(ctx context.Context, agentID int64, name string, x, y int) (int64, error) {
	if err := domain.ValidateCoordinate(name, x, y); err != nil {
		return 0, err
	}
	c := s.core
	version, err := write(ctx, c, "save coordinate", func(ctx context.Context) (int64, error) {
		return c.store.SaveCoordinate(ctx, agentID, name, x, y, c.clock.Now())
	})
	if err != nil {
		return 0, err
	}
	c.bus.Invalidate(ctx, coordsKey(agentID), configKey(agentID))
	return version, nil
}

// DeleteCoordinate сбрасывает точку в (0,0). Версия поднимается всегда.
func (s *ConfigStore) DeleteCoordinate(ctx context.Context, agentID int64, name string) (bool, error) {
	if _, ok := domain.LookupCoordinate(name); !ok {
		return false, fmt.Errorf("%w: coordinate %q", domain.ErrNotFound, name)
	}
	c := s.core
	type res struct {
		removed bool
		version int64
	}
	r, err := write(ctx, c, "delete coordinate", func(ctx context.Context) (res, error) {
		removed, version, err := c.store.DeleteCoordinate(ctx, agentID, name, c.clock.Now())
		return res{removed, version}, err
	})
	if err != nil {
		return false, err
	}
	c.bus.Invalidate(ctx, coordsKey(agentID), configKey(agentID))
	return r.removed, nil
}

// FlatConfig ответ агенту: настройки плюс <name>_x / <name>_y по всему каталогу.
func (s *ConfigStore) FlatConfig(ctx context.Context, agentID int64) (map[string]any, error) {
	snap, err := s.GetConfig(ctx, agentID)
	if err != nil {
		return nil, err
	}
	coords, err := s.Coordinates(ctx, agentID)
	if err != nil {
		return nil, err
	}
	out := snap.Params.Values()
	for _, p := range coords {
		out[p.Name+"_x"] = p.X
		out[p.Name+"_y"] = p.Y
	}
	return out, nil
}
