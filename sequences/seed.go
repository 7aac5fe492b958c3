package sequences

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"dripline/models"
	"dripline/utils"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// SeedFile is the YAML layout accepted by SeedFromYAML.
//
//	sequences:
//	  - name: Cold outreach
//	    activate: true
//	    tokens: {sender: Grace}
//	    steps:
//	      - {channel: email, delay: 0d, subject: "Hi {{.first_name}}", body: "..."}
//	      - {channel: sms, delay: 2d, body: "..."}
type SeedFile struct {
	Sequences []SeedSequence `yaml:"sequences"`
}

type SeedSequence struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Activate    bool              `yaml:"activate"`
	Tokens      map[string]string `yaml:"tokens"`
	Steps       []SeedStep        `yaml:"steps"`
}

type SeedStep struct {
	Channel models.Channel `yaml:"channel"`
	Delay   string         `yaml:"delay"` // "0", "90m", "2d", "1w"
	Subject string         `yaml:"subject"`
	Body    string         `yaml:"body"`
}

// SeedFromYAML creates the sequences described in r. Sequences whose name
// already exists are skipped so the seed can run on every start.
func (s *Store) SeedFromYAML(ctx context.Context, r io.Reader) ([]models.SequenceDefinition, error) {
	var file SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, &models.ValidationError{Kind: models.ErrValidation, Field: "seed", Message: err.Error()}
	}

	var created []models.SequenceDefinition
	for _, def := range file.Sequences {
		var existing models.SequenceDefinition
		err := s.DB.WithContext(ctx).Where("name = ?", def.Name).First(&existing).Error
		if err == nil {
			s.Logger.WithField("sequence", def.Name).Debug("Seed sequence already present")
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return created, err
		}

		seq, err := s.seed(ctx, def)
		if err != nil {
			return created, fmt.Errorf("seed sequence %q: %w", def.Name, err)
		}
		created = append(created, *seq)
	}

	if len(created) > 0 {
		utils.LogEvent("sequences_seeded", map[string]interface{}{"count": len(created)})
	}
	return created, nil
}

// SeedFromFile opens path and seeds from it. An empty path or a missing file
// is not an error.
func (s *Store) SeedFromFile(ctx context.Context, path string) ([]models.SequenceDefinition, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		s.Logger.WithField("path", path).Warn("Sequence seed file not found, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return s.SeedFromYAML(ctx, f)
}

func (s *Store) seed(ctx context.Context, def SeedSequence) (*models.SequenceDefinition, error) {
	steps := make([]models.StepDefinition, 0, len(def.Steps))
	for i, st := range def.Steps {
		d, err := ParseDelay(st.Delay)
		if err != nil {
			return nil, models.InvalidStep("delay", err.Error())
		}
		step := models.StepDefinition{Channel: st.Channel, Delay: d, Subject: st.Subject, Body: st.Body}
		if err := s.ValidateStep(&step, i); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}

	seq, err := s.Create(ctx, def.Name, def.Description, def.Tokens)
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if _, err := s.AddStep(ctx, seq.ID, step); err != nil {
			return nil, err
		}
	}
	if def.Activate {
		return s.Activate(ctx, seq.ID)
	}
	return s.Get(ctx, seq.ID)
}

// ParseDelay reads a step delay. Empty and "0" mean no delay.
func ParseDelay(v string) (time.Duration, error) {
	if v == "" || v == "0" {
		return 0, nil
	}
	return utils.ParseDuration(v)
}
