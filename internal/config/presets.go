package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/user/pii-airlock/internal/quota"
)

// QuotaPresetFile is the on-disk shape of PII_AIRLOCK_QUOTA_CONFIG_PATH,
// mirroring original_source/auth/quota.py's QuotaStore.from_yaml:
//
//	quotas:
//	  - tenant_id: "team-a"
//	    soft_limit_percent: 80
//	    requests:
//	      daily: 10000
//	      hourly: 1000
//	    tokens:
//	      daily: 5000000
type QuotaPresetFile struct {
	Quotas []QuotaPreset `yaml:"quotas"`
}

type QuotaPreset struct {
	TenantID         string           `yaml:"tenant_id"`
	SoftLimitPercent float64          `yaml:"soft_limit_percent"`
	Requests         map[string]int64 `yaml:"requests"`
	Tokens           map[string]int64 `yaml:"tokens"`
}

// LoadQuotaPresets reads path and converts it into the per-tenant
// TenantLimits map the quota.Enforcer is constructed with. A missing
// path yields an empty map, matching the Python original's "file
// doesn't exist -> empty store" behavior rather than an error.
func LoadQuotaPresets(path string) (map[string]quota.TenantLimits, error) {
	out := make(map[string]quota.TenantLimits)
	if path == "" {
		return out, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}

	var file QuotaPresetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	for _, preset := range file.Quotas {
		soft := preset.SoftLimitPercent
		if soft <= 0 {
			soft = 80
		}
		limits := quota.TenantLimits{}
		for period, limit := range preset.Requests {
			p := quota.Period(period)
			limits[quota.TypeRequests] = append(limits[quota.TypeRequests], quota.Limit{
				Period: p, HardLimit: limit, SoftLimitPercent: soft / 100,
			})
		}
		for period, limit := range preset.Tokens {
			p := quota.Period(period)
			limits[quota.TypeTokens] = append(limits[quota.TypeTokens], quota.Limit{
				Period: p, HardLimit: limit, SoftLimitPercent: soft / 100,
			})
		}
		out[preset.TenantID] = limits
	}

	return out, nil
}

// TenantPresetFile is the on-disk shape of PII_AIRLOCK_TENANT_CONFIG_PATH:
// a static tenant roster loadable at startup alongside (or instead of)
// the DynamoDB-backed tenant store, for local/offline operation.
type TenantPresetFile struct {
	Tenants []TenantPreset `yaml:"tenants"`
}

type TenantPreset struct {
	TenantID      string   `yaml:"tenant_id"`
	Name          string   `yaml:"name"`
	APIKey        string   `yaml:"api_key"`
	RPMLimit      int      `yaml:"rpm_limit"`
	TPMLimit      int      `yaml:"tpm_limit"`
	AllowedModels []string `yaml:"allowed_models"`
}

// LoadTenantPresets reads path into a slice of tenant presets a caller
// can seed a tenant store with. A missing path yields an empty slice.
func LoadTenantPresets(path string) ([]TenantPreset, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var file TenantPresetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return file.Tenants, nil
}
