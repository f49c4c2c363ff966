package listwriter

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/webmaster-cyber/sendmailzw/internal/model"
	"github.com/webmaster-cyber/sendmailzw/internal/store"
)

var (
	// ErrNoRoute is returned when the campaign has no usable postal route.
	ErrNoRoute = errors.New("listwriter: no postal route available")
	// ErrNoTargets is returned when no routing rule resolves to a sink or
	// provider configuration.
	ErrNoTargets = errors.New("listwriter: no valid domain routes found")
)

// taskGroup is one routing rule resolved to concrete targets.
type taskGroup struct {
	groups        [][]string
	startPct      int
	endPct        int
	sinks         []SinkTarget
	settingsID    string
	policyDomains []string
}

// CampaignStart activates a campaign exactly once, validates its routing
// plan and fans out one partition task per (rule, shard). Validation or
// partition failures mark the campaign finished with an error.
func (w *Writer) CampaignStart(ctx context.Context, cid, campID string) error {
	activated, err := w.store.ActivateCampaign(ctx, cid, campID)
	if err != nil {
		return fmt.Errorf("listwriter: activate campaign: %w", err)
	}
	if !activated {
		return nil
	}

	if err := w.start(ctx, cid, campID); err != nil {
		w.logger.Error("campaign start failed", "campaign", campID, "error", err)
		w.failCampaign(ctx, cid, campID, err)
		return err
	}
	return nil
}

func (w *Writer) start(ctx context.Context, cid, campID string) error {
	camp, err := w.store.GetCampaign(ctx, cid, campID)
	if err != nil {
		return fmt.Errorf("listwriter: load campaign: %w", err)
	}
	company, err := w.store.GetCompany(ctx, cid)
	if err != nil {
		return fmt.Errorf("listwriter: load company: %w", err)
	}

	routeID, err := pickRoute(camp, company)
	if err != nil {
		return err
	}
	route, err := w.store.GetRoute(ctx, cid, routeID)
	if err != nil {
		return fmt.Errorf("listwriter: load route: %w", err)
	}

	groups, err := w.resolveRules(ctx, cid, route)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		return ErrNoTargets
	}

	mainGatherID := uuid.NewString()
	if err := w.store.InitGather(ctx, mainGatherID, len(groups)); err != nil {
		return fmt.Errorf("listwriter: init campaign gather: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, tg := range groups {
		gatherID := uuid.NewString()
		if err := w.store.InitGather(ctx, gatherID, w.cfg.Shards); err != nil {
			return fmt.Errorf("listwriter: init rule gather: %w", err)
		}
		for shard := 0; shard < w.cfg.Shards; shard++ {
			p := Partition{
				CompanyID:     cid,
				CampaignID:    campID,
				Shard:         shard,
				Shards:        w.cfg.Shards,
				GatherID:      gatherID,
				MainGatherID:  mainGatherID,
				Groups:        tg.groups,
				StartPct:      tg.startPct,
				EndPct:        tg.endPct,
				Sinks:         tg.sinks,
				SettingsID:    tg.settingsID,
				PolicyDomains: tg.policyDomains,
			}
			g.Go(func() error {
				return w.writePartition(gctx, p)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return nil
}

// pickRoute validates the campaign's route against the company's available
// routes, defaulting when the company has exactly one.
func pickRoute(camp *model.Campaign, company *model.Company) (string, error) {
	if camp.RouteID != "" {
		for _, r := range company.Routes {
			if r == camp.RouteID {
				return camp.RouteID, nil
			}
		}
		return "", fmt.Errorf("%w: route %s not available", ErrNoRoute, camp.RouteID)
	}
	if len(company.Routes) == 1 {
		return company.Routes[0], nil
	}
	return "", ErrNoRoute
}

// resolveRules turns the route's ordered rules into task groups. Domain
// groups accumulate in order so later rules exclude earlier rules' domains;
// split weights normalize to 100 and carve contiguous percentage buckets.
func (w *Writer) resolveRules(ctx context.Context, cid string, route *model.Route) ([]taskGroup, error) {
	var out []taskGroup
	var groups [][]string

	for _, rule := range route.Rules {
		if rule.DomainGroupID == "" {
			groups = append(groups, nil)
		} else {
			dg, err := w.store.GetDomainGroup(ctx, cid, rule.DomainGroupID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("listwriter: load domain group: %w", err)
			}
			groups = append(groups, dg.Patterns())
		}

		weights := make([]int, len(rule.Splits))
		for i, s := range rule.Splits {
			weights[i] = s.Pct
		}
		if len(weights) == 1 {
			weights[0] = 100
		} else {
			weights = model.NormalizeWeights(weights)
		}

		// A split that resolves to nothing yields its bucket to the
		// splits after it rather than leaving a coverage gap.
		start := 0
		for i, split := range rule.Splits {
			if split.PolicyID == "" || weights[i] == 0 {
				continue
			}
			target, err := w.resolveSplit(ctx, cid, split.PolicyID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			target.groups = append([][]string(nil), groups...)
			target.startPct = start
			target.endPct = start + weights[i]
			start += weights[i]
			out = append(out, *target)
		}
	}
	return out, nil
}

// resolveSplit resolves a split's policy id to hosted sinks, or to a direct
// provider configuration when no policy exists under that id.
func (w *Writer) resolveSplit(ctx context.Context, cid, policyID string) (*taskGroup, error) {
	policy, err := w.store.GetPolicy(ctx, cid, policyID)
	if err == nil {
		if len(policy.Sinks) == 0 {
			return nil, store.ErrNotFound
		}
		// Sink percentages normalize to 100 like rule splits do, so the
		// cumulative walk assigns every recipient to exactly one sink.
		weights := make([]int, len(policy.Sinks))
		for i, s := range policy.Sinks {
			weights[i] = s.Pct
		}
		if len(weights) == 1 {
			weights[0] = 100
		} else {
			weights = model.NormalizeWeights(weights)
		}
		sinks := make([]SinkTarget, 0, len(policy.Sinks))
		for i, s := range policy.Sinks {
			sinks = append(sinks, SinkTarget{ID: s.SinkID, Provider: model.ProviderSink, Pct: weights[i]})
		}
		domains := model.SplitPatterns(policy.Domains)
		if len(domains) == 0 {
			domains = []string{"*"}
		}
		return &taskGroup{sinks: sinks, settingsID: policy.ID, policyDomains: domains}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("listwriter: load policy: %w", err)
	}

	ps, err := w.store.GetProviderSettings(ctx, cid, policyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("listwriter: load provider settings: %w", err)
	}
	domains := model.SplitPatterns(ps.Data["domains"])
	if len(domains) == 0 {
		domains = []string{"*"}
	}
	return &taskGroup{
		sinks:         []SinkTarget{{ID: ps.ID, Provider: ps.Kind, Pct: 100}},
		settingsID:    ps.ID,
		policyDomains: domains,
	}, nil
}

// failCampaign records a terminal error, surviving the caller's context
// being canceled by a sibling task failure.
func (w *Writer) failCampaign(ctx context.Context, cid, campID string, cause error) {
	if err := w.store.FailCampaign(context.WithoutCancel(ctx), cid, campID, cause.Error()); err != nil {
		w.logger.Error("record campaign failure", "campaign", campID, "error", err)
	}
}
