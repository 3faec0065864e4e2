package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"catenary/internal/model"
	"catenary/internal/network"
	"catenary/internal/opt"
)

const (
	maxSegments = 200_000
	maxRoutes   = 50_000
	maxName     = 200
)

func validateOptimizeRequest(req *model.OptimizeRequest) error {
	if len(req.Segments) == 0 {
		return errors.New("segments must not be empty")
	}
	if len(req.Routes) == 0 {
		return errors.New("routes must not be empty")
	}
	if len(req.Segments) > maxSegments {
		return fmt.Errorf("at most %d segments allowed", maxSegments)
	}
	if len(req.Routes) > maxRoutes {
		return fmt.Errorf("at most %d routes allowed", maxRoutes)
	}
	if len(req.Name) > maxName {
		return fmt.Errorf("name longer than %d characters", maxName)
	}
	switch req.SegmentRefs {
	case "", model.RefsIndex, model.RefsID:
	default:
		return fmt.Errorf("invalid segmentRefs: %s (allowed: index,id)", req.SegmentRefs)
	}
	if req.Preset != "" {
		if _, ok := opt.Preset(req.Preset); !ok {
			return fmt.Errorf("unknown preset: %s (allowed: %s)", req.Preset, strings.Join(opt.PresetNames(), ","))
		}
	}
	if req.CallbackURL != "" && !strings.HasPrefix(req.CallbackURL, "http://") && !strings.HasPrefix(req.CallbackURL, "https://") {
		return errors.New("callbackUrl must be an http(s) URL")
	}
	return nil
}

// runInput returns the request's network with routes in index form, checked
// by network.New.
func runInput(req *model.OptimizeRequest) (model.RunInput, error) {
	routes := req.Routes
	if req.SegmentRefs == model.RefsID {
		var err error
		if routes, err = network.Resolve(req.Segments, req.Routes); err != nil {
			return model.RunInput{}, err
		}
	}
	if _, err := network.New(req.Segments, routes); err != nil {
		return model.RunInput{}, err
	}
	return model.RunInput{Segments: req.Segments, Routes: routes}, nil
}

// runConfig layers the preset (or server defaults), the tenant's stored
// overrides and the request params, in that order.
func (s *Server) runConfig(ctx context.Context, tenant string, req *model.OptimizeRequest) (opt.Config, error) {
	base := s.Defaults
	if req.Preset != "" {
		p, _ := opt.Preset(req.Preset)
		base = s.Config.Optimizer.Apply(p)
		base.BatteryCapacity = p.BatteryCapacity
		base.SafetyMargin = p.SafetyMargin
		base.ConsumptionPerMeter = p.ConsumptionPerMeter
		base.ChargingPerMeter = p.ChargingPerMeter
		base.TargetCost = p.TargetCost
	}
	tenantCfg, err := s.Store.GetOptimizerConfig(ctx, tenant)
	if err != nil {
		return opt.Config{}, err
	}
	cfg := tenantCfg.Merge(req.Params).Apply(base)
	if err := cfg.Validate(); err != nil {
		return opt.Config{}, err
	}
	return cfg, nil
}
