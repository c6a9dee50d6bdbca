package jobs

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"kioskadmin/internal/models"
)

//go:embed builtins.yaml
var builtinsYAML []byte

type builtinInput struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Mandatory bool   `yaml:"mandatory"`
	Default   string `yaml:"default"`
}

type builtinScript struct {
	UID         string         `yaml:"uid"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Hidden      bool           `yaml:"hidden"`
	Security    bool           `yaml:"security"`
	Feature     string         `yaml:"feature"`
	Executable  string         `yaml:"executable"`
	Inputs      []builtinInput `yaml:"inputs"`
}

type catalog struct {
	Scripts []builtinScript `yaml:"scripts"`
}

func loadCatalog(raw []byte) ([]builtinScript, error) {
	var c catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("builtin catalog: %w", err)
	}
	for _, s := range c.Scripts {
		if s.UID == "" || s.Name == "" {
			return nil, fmt.Errorf("builtin catalog: script without uid or name")
		}
		for _, in := range s.Inputs {
			if _, ok := normalizers[in.Type]; !ok {
				return nil, fmt.Errorf("builtin catalog: %s.%s has unknown type %q", s.UID, in.Name, in.Type)
			}
		}
	}
	return c.Scripts, nil
}

// SeedBuiltins installs the embedded global scripts. Existing scripts keep
// their inputs; only their text is refreshed. It returns how many were created.
func SeedBuiltins(ctx context.Context, db *gorm.DB) (int, error) {
	scripts, err := loadCatalog(builtinsYAML)
	if err != nil {
		return 0, err
	}
	created := 0
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, b := range scripts {
			var existing models.Script
			err := tx.Where("uid = ? AND site_id IS NULL", b.UID).First(&existing).Error
			switch {
			case err == nil:
				existing.Name, existing.Description, existing.Executable = b.Name, b.Description, b.Executable
				existing.IsHidden, existing.IsSecurityScript, existing.FeatureUID = b.Hidden, b.Security, b.Feature
				if err := tx.Save(&existing).Error; err != nil {
					return err
				}
			case errors.Is(err, gorm.ErrRecordNotFound):
				s := models.Script{
					UID:              b.UID,
					Name:             b.Name,
					Description:      b.Description,
					IsHidden:         b.Hidden,
					IsSecurityScript: b.Security,
					FeatureUID:       b.Feature,
					Executable:       b.Executable,
				}
				for i, in := range b.Inputs {
					s.Inputs = append(s.Inputs, models.ScriptInput{
						Name: in.Name, Position: i, ValueType: in.Type, Mandatory: in.Mandatory, DefaultValue: in.Default,
					})
				}
				if err := tx.Create(&s).Error; err != nil {
					return err
				}
				created++
			default:
				return err
			}
		}
		return nil
	})
	return created, err
}
