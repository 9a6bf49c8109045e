package plugin

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// pluginIDRegex validates plugin ID format (lowercase alphanumeric with hyphens)
var pluginIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Validator parses and validates plugin manifests. Validation is pure: it
// performs no I/O beyond parsing the provided bytes.
type Validator struct {
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader
}

// NewValidator creates a new manifest validator
func NewValidator(logger zerolog.Logger) *Validator {
	return &Validator{
		logger:       logger.With().Str("component", "manifest-validator").Logger(),
		schemaLoader: gojsonschema.NewStringLoader(manifestSchema),
	}
}

// ValidateManifest parses raw manifest bytes and validates them. All
// detected problems are collected into a single ValidationError rather than
// failing on the first.
func (v *Validator) ValidateManifest(raw []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, NewValidationError(fmt.Sprintf("manifest is not valid JSON: %v", err))
	}

	var reasons []string
	reasons = append(reasons, v.schemaReasons(raw)...)
	reasons = append(reasons, v.structuralReasons(&manifest)...)
	if len(reasons) > 0 {
		return nil, &ValidationError{Reasons: reasons}
	}

	v.logger.Debug().
		Str("id", manifest.ID).
		Str("version", manifest.Version).
		Msg("Validated manifest")

	return &manifest, nil
}

// ValidatePackage validates the manifest inside a package and additionally
// checks that every declared extension point entry names a file the package
// actually provides.
func (v *Validator) ValidatePackage(pkg *Package) error {
	if pkg.Manifest == nil {
		return NewValidationError("package has no manifest")
	}

	var reasons []string
	for _, point := range pkg.Manifest.ExtensionPoints {
		if !pkg.HasFile(point.Entry) {
			reasons = append(reasons, fmt.Sprintf(
				"extension point %q references entry %q which the package does not provide",
				point.OptionsID, point.Entry))
		}
	}
	if len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}
	return nil
}

// schemaReasons validates the raw bytes against the JSON schema
func (v *Validator) schemaReasons(raw []byte) []string {
	result, err := gojsonschema.Validate(v.schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return []string{fmt.Sprintf("schema validation error: %v", err)}
	}

	var reasons []string
	for _, schemaErr := range result.Errors() {
		reasons = append(reasons, schemaErr.String())
	}
	return reasons
}

// structuralReasons performs validation beyond what the JSON schema can
// express.
func (v *Validator) structuralReasons(manifest *Manifest) []string {
	var reasons []string

	if manifest.ID != "" && !pluginIDRegex.MatchString(manifest.ID) {
		reasons = append(reasons, fmt.Sprintf(
			"invalid plugin ID %q (must be lowercase alphanumeric with hyphens)", manifest.ID))
	}

	if manifest.Version != "" {
		if _, err := semver.NewVersion(manifest.Version); err != nil {
			reasons = append(reasons, fmt.Sprintf("invalid version %q: %v", manifest.Version, err))
		}
	}

	seen := make(map[string]bool)
	for _, point := range manifest.ExtensionPoints {
		if seen[point.OptionsID] {
			reasons = append(reasons, fmt.Sprintf("duplicate extension point optionsId %q", point.OptionsID))
		}
		seen[point.OptionsID] = true
	}

	return reasons
}
