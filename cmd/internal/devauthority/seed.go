package devauthority

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SeedUser is one entry of a YAML seed file.
//
//	users:
//	  - id: 7
//	    name: Ann
//	    email: a@x.com
//	    password: correct horse battery
type SeedUser struct {
	ID        int64     `yaml:"id"`
	Name      string    `yaml:"name"`
	Email     string    `yaml:"email"`
	Password  string    `yaml:"password"`
	CreatedAt time.Time `yaml:"created_at"`
}

type seedFile struct {
	Users []SeedUser `yaml:"users"`
}

// ParseSeed decodes a YAML seed document.
func ParseSeed(raw []byte) ([]SeedUser, error) {
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("devauthority seed: %w", err)
	}
	for i, u := range f.Users {
		if u.Email == "" || u.Password == "" {
			return nil, fmt.Errorf("devauthority seed: user %d: email and password are required", i)
		}
	}
	return f.Users, nil
}

// LoadSeedFile reads and decodes a YAML seed file.
func LoadSeedFile(path string) ([]SeedUser, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("devauthority seed: %w", err)
	}
	return ParseSeed(raw)
}
