package overuse

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dreamware/warden/internal/metrics"
)

var tracer = otel.Tracer("warden/overuse")

// componentConfig is the stored, already restricted config of one component.
type componentConfig struct {
	packages   map[string]PerStateBytes
	safeToKill map[string]struct{}
	generic    PerStateBytes
}

// parsedConfig is one validated entry of an update batch.
type parsedConfig struct {
	component  ComponentType
	config     componentConfig
	categories map[ApplicationCategory]PerStateBytes
	alerts     []AlertThreshold
	prefixes   []string
	metadata   map[string]ApplicationCategory
	// extraPrefixes are vendor package names to add as prefixes when no
	// prefix covers them.
	extraPrefixes []string
}

// Configs holds the I/O overuse policy of every component and answers
// threshold and safe-to-kill queries against it.
//
// Updates are atomic: a batch either validates fully and replaces the configs
// of the components it names, or it changes nothing. The zero value is not
// usable; create one with NewConfigs.
type Configs struct {
	logger  *slog.Logger
	metrics *metrics.Collectors

	components map[ComponentType]*componentConfig
	categories map[ApplicationCategory]PerStateBytes
	metadata   map[ComponentType]map[string]ApplicationCategory
	// metadataSeq orders metadata sources by the update that last set them.
	metadataSeq map[ComponentType]uint64
	merged      map[string]ApplicationCategory
	alerts      []AlertThreshold
	prefixes    []string
	seq         uint64

	mu sync.RWMutex
}

// ConfigsOption configures a Configs.
type ConfigsOption func(*Configs)

// WithConfigsLogger sets the logger. Defaults to slog.Default().
func WithConfigsLogger(l *slog.Logger) ConfigsOption {
	return func(c *Configs) { c.logger = l }
}

// WithConfigsMetrics records update outcomes on m.
func WithConfigsMetrics(m *metrics.Collectors) ConfigsOption {
	return func(c *Configs) { c.metrics = m }
}

// NewConfigs returns an empty policy. Every query answers with the built-in
// defaults until the first successful Update.
func NewConfigs(opts ...ConfigsOption) *Configs {
	c := &Configs{
		logger:      slog.Default(),
		components:  make(map[ComponentType]*componentConfig),
		categories:  make(map[ApplicationCategory]PerStateBytes),
		metadata:    make(map[ComponentType]map[string]ApplicationCategory),
		metadataSeq: make(map[ComponentType]uint64),
		merged:      make(map[string]ApplicationCategory),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Update validates configs and replaces the stored config of every component
// present in the batch.
//
// A batch fails with a *ValidationError, leaving the policy unchanged, when
// it names a component twice, when a config lacks exactly one I/O section,
// when a threshold is not positive or misnamed, or when two configs of the
// batch map one package to different categories. Fields a component may not
// set are dropped silently:
//
//	System:     no vendor prefixes, no category thresholds
//	Vendor:     no system-wide alert thresholds
//	ThirdParty: component-level threshold only
//
// Vendor prefixes accumulate across updates. Package metadata is kept per
// source; the most recently updated source wins a per-package conflict.
func (c *Configs) Update(ctx context.Context, configs []ResourceOveruseConfiguration) error {
	_, span := tracer.Start(ctx, "overuse.Configs.Update")
	defer span.End()
	span.SetAttributes(attribute.Int("configs", len(configs)))

	parsed, err := parseBatch(configs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.ConfigUpdated("invalid")
		c.logger.Warn("rejected overuse config update", "error", err)
		return err
	}

	c.mu.Lock()
	for _, p := range parsed {
		c.applyLocked(p)
	}
	c.mergeMetadataLocked()
	c.mu.Unlock()

	c.metrics.ConfigUpdated("ok")
	c.logger.Info("updated overuse configs", "components", len(parsed))
	return nil
}

func parseBatch(configs []ResourceOveruseConfiguration) ([]parsedConfig, error) {
	seen := make(map[ComponentType]bool, len(configs))
	batchMetadata := make(map[string]ApplicationCategory)
	parsed := make([]parsedConfig, 0, len(configs))

	for i := range configs {
		p, err := parseConfig(&configs[i])
		if err != nil {
			return nil, err
		}
		if seen[p.component] {
			return nil, invalid(p.component, "", "duplicate config for component")
		}
		seen[p.component] = true

		for pkg, cat := range p.metadata {
			if prev, ok := batchMetadata[pkg]; ok && prev != cat {
				return nil, invalid(p.component, "package_metadata",
					"package %q mapped to both %s and %s", pkg, prev, cat)
			}
			batchMetadata[pkg] = cat
		}
		parsed = append(parsed, p)
	}
	return parsed, nil
}

func parseConfig(cfg *ResourceOveruseConfiguration) (parsedConfig, error) {
	comp := cfg.ComponentType
	p := parsedConfig{component: comp}
	if !slices.Contains(Components, comp) {
		return p, invalid(comp, "component_type", "unknown component")
	}

	sections := 0
	var io *IoOveruseConfiguration
	for _, r := range cfg.ResourceSpecific {
		if r.IoOveruse != nil {
			sections++
			io = r.IoOveruse
		}
	}
	switch {
	case sections == 0:
		return p, invalid(comp, "resource_specific", "no I/O overuse configuration")
	case sections > 1:
		return p, invalid(comp, "resource_specific", "%d I/O overuse configurations", sections)
	}

	if io.ComponentLevel.Name != comp.String() {
		return p, invalid(comp, "component_level",
			"name %q does not match component", io.ComponentLevel.Name)
	}
	if !io.ComponentLevel.PerStateWriteBytes.positive() {
		return p, invalid(comp, "component_level", "thresholds must be positive")
	}
	p.config = componentConfig{
		generic:    io.ComponentLevel.PerStateWriteBytes,
		packages:   make(map[string]PerStateBytes),
		safeToKill: make(map[string]struct{}),
	}

	if comp == ComponentThirdParty {
		return p, nil
	}

	// Last threshold for a package wins.
	for _, t := range io.PackageSpecific {
		if t.Name == "" {
			return p, invalid(comp, "package_specific", "empty package name")
		}
		if !t.PerStateWriteBytes.positive() {
			return p, invalid(comp, "package_specific", "thresholds of %q must be positive", t.Name)
		}
		p.config.packages[t.Name] = t.PerStateWriteBytes
	}
	for _, name := range cfg.SafeToKillPackages {
		if name != "" {
			p.config.safeToKill[name] = struct{}{}
		}
	}

	p.metadata = make(map[string]ApplicationCategory, len(cfg.PackageMetadata))
	for _, m := range cfg.PackageMetadata {
		if m.PackageName == "" {
			return p, invalid(comp, "package_metadata", "empty package name")
		}
		if prev, ok := p.metadata[m.PackageName]; ok && prev != m.AppCategory {
			return p, invalid(comp, "package_metadata",
				"package %q mapped to both %s and %s", m.PackageName, prev, m.AppCategory)
		}
		p.metadata[m.PackageName] = m.AppCategory
	}

	switch comp {
	case ComponentSystem:
		// First alert threshold for a duration wins.
		for _, a := range io.SystemWide {
			if a.DurationSeconds <= 0 || a.WrittenBytesPerSecond <= 0 {
				return p, invalid(comp, "system_wide", "alert thresholds must be positive")
			}
			if slices.ContainsFunc(p.alerts, func(x AlertThreshold) bool {
				return x.DurationSeconds == a.DurationSeconds
			}) {
				continue
			}
			p.alerts = append(p.alerts, a)
		}

	case ComponentVendor:
		p.categories = make(map[ApplicationCategory]PerStateBytes)
		for _, t := range io.CategorySpecific {
			cat, ok := categoryFromThresholdName(t.Name)
			if !ok {
				return p, invalid(comp, "category_specific", "unknown category %q", t.Name)
			}
			if !t.PerStateWriteBytes.positive() {
				return p, invalid(comp, "category_specific", "thresholds of %s must be positive", t.Name)
			}
			p.categories[cat] = t.PerStateWriteBytes
		}
		for _, prefix := range cfg.VendorPackagePrefixes {
			if prefix != "" && !slices.Contains(p.prefixes, prefix) {
				p.prefixes = append(p.prefixes, prefix)
			}
		}
		for _, t := range io.PackageSpecific {
			p.extraPrefixes = append(p.extraPrefixes, t.Name)
		}
		p.extraPrefixes = append(p.extraPrefixes, cfg.SafeToKillPackages...)
	}
	return p, nil
}

func (c *Configs) applyLocked(p parsedConfig) {
	cfg := p.config
	c.components[p.component] = &cfg

	switch p.component {
	case ComponentSystem:
		c.alerts = p.alerts
	case ComponentVendor:
		c.categories = p.categories
		for _, prefix := range p.prefixes {
			if !slices.Contains(c.prefixes, prefix) {
				c.prefixes = append(c.prefixes, prefix)
			}
		}
		for _, name := range p.extraPrefixes {
			if name != "" && !hasPrefix(c.prefixes, name) {
				c.prefixes = append(c.prefixes, name)
			}
		}
	}

	if p.component == ComponentThirdParty {
		return
	}
	c.seq++
	c.metadata[p.component] = p.metadata
	c.metadataSeq[p.component] = c.seq
}

func (c *Configs) mergeMetadataLocked() {
	sources := maps.Keys(c.metadata)
	slices.SortFunc(sources, func(a, b ComponentType) int {
		return int(c.metadataSeq[a]) - int(c.metadataSeq[b])
	})
	clear(c.merged)
	for _, src := range sources {
		maps.Copy(c.merged, c.metadata[src])
	}
}

func hasPrefix(prefixes []string, name string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Get returns a snapshot of the stored configs, ordered System, Vendor,
// ThirdParty and omitting components never set. System and Vendor configs
// carry the merged package metadata.
func (c *Configs) Get() []ResourceOveruseConfiguration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ResourceOveruseConfiguration, 0, len(c.components))
	for _, comp := range Components {
		cfg, ok := c.components[comp]
		if !ok {
			continue
		}
		io := &IoOveruseConfiguration{
			ComponentLevel: PerStateThreshold{Name: comp.String(), PerStateWriteBytes: cfg.generic},
		}
		res := ResourceOveruseConfiguration{
			ComponentType:    comp,
			ResourceSpecific: []ResourceSpecificConfiguration{{IoOveruse: io}},
		}

		for _, name := range sortedKeys(cfg.packages) {
			io.PackageSpecific = append(io.PackageSpecific,
				PerStateThreshold{Name: name, PerStateWriteBytes: cfg.packages[name]})
		}
		res.SafeToKillPackages = sortedKeys(cfg.safeToKill)

		switch comp {
		case ComponentSystem:
			io.SystemWide = slices.Clone(c.alerts)
		case ComponentVendor:
			for _, cat := range []ApplicationCategory{CategoryMaps, CategoryMedia} {
				if t, ok := c.categories[cat]; ok {
					io.CategorySpecific = append(io.CategorySpecific,
						PerStateThreshold{Name: cat.String(), PerStateWriteBytes: t})
				}
			}
			res.VendorPackagePrefixes = slices.Clone(c.prefixes)
		}
		if comp != ComponentThirdParty {
			for _, name := range sortedKeys(c.merged) {
				res.PackageMetadata = append(res.PackageMetadata,
					PackageMetadata{PackageName: name, AppCategory: c.merged[name]})
			}
		}
		out = append(out, res)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	if len(m) == 0 {
		return nil
	}
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// FetchThreshold resolves the write thresholds of a package:
// package-specific, then category, then component-level, then
// DefaultThreshold. The category comes from pkg.AppCategory, or from the
// package metadata when pkg does not carry one.
func (c *Configs) FetchThreshold(pkg PackageInfo) PerStateBytes {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfg := c.components[pkg.ComponentType]
	if cfg != nil {
		if t, ok := cfg.packages[pkg.Name]; ok {
			return t
		}
	}

	cat := pkg.AppCategory
	if cat == CategoryOthers {
		cat = c.merged[pkg.Name]
	}
	if t, ok := c.categories[cat]; ok && cat != CategoryOthers {
		return t
	}

	if cfg != nil {
		return cfg.generic
	}
	return DefaultThreshold
}

// IsSafeToKill reports whether pkg may be terminated for overuse. Native
// packages never are. Otherwise explicit membership in the component's
// safe-to-kill list decides, and absent that only third-party packages are.
func (c *Configs) IsSafeToKill(pkg PackageInfo) bool {
	if pkg.UidType == UidNative {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if cfg := c.components[pkg.ComponentType]; cfg != nil {
		if _, ok := cfg.safeToKill[pkg.Name]; ok {
			return true
		}
	}
	return pkg.ComponentType == ComponentThirdParty
}

// SystemWideAlertThresholds returns the system-wide alert thresholds.
func (c *Configs) SystemWideAlertThresholds() []AlertThreshold {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.alerts)
}

// VendorPackagePrefixes returns every vendor package prefix seen so far.
func (c *Configs) VendorPackagePrefixes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.prefixes)
}

// PackagesToAppCategories returns the merged package metadata.
func (c *Configs) PackagesToAppCategories() map[string]ApplicationCategory {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.merged)
}

// Build seeds the policy from build-time and latest configs. For every
// component the latest config replaces the build one. Build-sourced configs
// are applied before latest-sourced ones so latest metadata wins. Vendor and
// ThirdParty configs missing from both sets get the System component-level
// thresholds. Invalid configs are logged and skipped.
func (c *Configs) Build(ctx context.Context, build, latest []ResourceOveruseConfiguration) {
	byComponent := func(list []ResourceOveruseConfiguration) map[ComponentType]ResourceOveruseConfiguration {
		m := make(map[ComponentType]ResourceOveruseConfiguration, len(list))
		for _, cfg := range list {
			m[cfg.ComponentType] = cfg
		}
		return m
	}
	builds := byComponent(build)
	latests := byComponent(latest)

	apply := func(source string, cfg ResourceOveruseConfiguration) {
		if err := c.Update(ctx, []ResourceOveruseConfiguration{cfg}); err != nil {
			c.logger.Error("skipping overuse config", "source", source,
				"component", cfg.ComponentType, "error", err)
		}
	}
	for _, comp := range Components {
		if _, ok := latests[comp]; ok {
			continue
		}
		if cfg, ok := builds[comp]; ok {
			apply("build", cfg)
		}
	}
	for _, comp := range Components {
		if cfg, ok := latests[comp]; ok {
			apply("latest", cfg)
		}
	}

	c.mu.RLock()
	system, hasSystem := c.components[ComponentSystem]
	var defaults PerStateBytes
	if hasSystem {
		defaults = system.generic
	}
	missing := make([]ComponentType, 0, 2)
	for _, comp := range []ComponentType{ComponentVendor, ComponentThirdParty} {
		if _, ok := c.components[comp]; !ok {
			missing = append(missing, comp)
		}
	}
	c.mu.RUnlock()

	if !hasSystem {
		if len(missing) > 0 {
			c.logger.Warn("no system overuse config; components left on defaults", "missing", missing)
		}
		return
	}
	for _, comp := range missing {
		apply("derived", ResourceOveruseConfiguration{
			ComponentType: comp,
			ResourceSpecific: []ResourceSpecificConfiguration{{IoOveruse: &IoOveruseConfiguration{
				ComponentLevel: PerStateThreshold{Name: comp.String(), PerStateWriteBytes: defaults},
			}}},
		})
	}
}
