package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	WorkflowsAdded   []string
	WorkflowsRemoved []string
	WorkflowsChanged []string

	HealthChanged bool
	NewHealth     HealthConfig

	RetentionChanged bool
	NewRetention     RetentionConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.WorkflowsAdded) > 0 ||
		len(d.WorkflowsRemoved) > 0 ||
		len(d.WorkflowsChanged) > 0 ||
		d.HealthChanged ||
		d.RetentionChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	oldWF := workflowsByName(old.Workflows)
	newWF := workflowsByName(new.Workflows)

	// Walk slices rather than maps so the result order is stable.
	for _, wf := range new.Workflows {
		prev, ok := oldWF[wf.Name]
		if !ok {
			d.WorkflowsAdded = append(d.WorkflowsAdded, wf.Name)
			continue
		}
		if !reflect.DeepEqual(prev, wf) {
			d.WorkflowsChanged = append(d.WorkflowsChanged, wf.Name)
		}
	}
	for _, wf := range old.Workflows {
		if _, ok := newWF[wf.Name]; !ok {
			d.WorkflowsRemoved = append(d.WorkflowsRemoved, wf.Name)
		}
	}

	if !reflect.DeepEqual(old.Health, new.Health) {
		d.HealthChanged = true
		d.NewHealth = new.Health
	}

	if old.Retention != new.Retention {
		d.RetentionChanged = true
		d.NewRetention = new.Retention
	}

	// Non-reloadable warnings
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.NATS.Port != new.NATS.Port {
		d.NonReloadable = append(d.NonReloadable, "nats.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.Telegram.Token != new.Telegram.Token {
		d.NonReloadable = append(d.NonReloadable, "telegram.token")
	}
	if !reflect.DeepEqual(old.Swarm, new.Swarm) {
		d.NonReloadable = append(d.NonReloadable, "swarm")
	}
	if !reflect.DeepEqual(old.Integration, new.Integration) {
		d.NonReloadable = append(d.NonReloadable, "integration")
	}

	return d
}

func workflowsByName(wfs []WorkflowConfig) map[string]WorkflowConfig {
	m := make(map[string]WorkflowConfig, len(wfs))
	for _, wf := range wfs {
		m[wf.Name] = wf
	}
	return m
}
