package commands

import (
	"fmt"

	"github.com/hashicorp/go-version"
	"github.com/moolen/nosql/internal/config"
	"github.com/moolen/nosql/internal/connection"
	"github.com/spf13/cobra"
)

var validatePath string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a profiles file without connecting",
	Long: `Load the profiles file, check its structure and references, and verify
that every enabled profile names a compiled-in driver that satisfies
min_driver_version.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		profiles, err := config.LoadProfilesFile(validatePath)
		if err != nil {
			return err
		}
		if err := checkDrivers(profiles, connection.DefaultDrivers()); err != nil {
			return err
		}

		enabled := 0
		for _, p := range profiles.Profiles {
			if p.IsEnabled() {
				enabled++
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d profiles, %d enabled)\n", validatePath, len(profiles.Profiles), enabled)
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validatePath, "config", "profiles.yaml", "Path to the profiles YAML file")
}

// checkDrivers reports the first enabled profile whose backend is missing or too old.
func checkDrivers(profiles *config.ProfilesFile, drivers *connection.DriverRegistry) error {
	var minVer *version.Version
	if profiles.MinDriverVersion != "" {
		v, err := version.NewVersion(profiles.MinDriverVersion)
		if err != nil {
			return fmt.Errorf("invalid min_driver_version %q: %w", profiles.MinDriverVersion, err)
		}
		minVer = v
	}

	for _, p := range profiles.Profiles {
		if !p.IsEnabled() {
			continue
		}
		d, ok := drivers.Get(p.Type)
		if !ok {
			return fmt.Errorf("profile %s: %w: no driver for type %q", p.ID, connection.ErrDriverUnavailable, p.Type)
		}
		if minVer == nil {
			continue
		}
		v, err := version.NewVersion(d.Version)
		if err != nil || v.LessThan(minVer) {
			return fmt.Errorf("profile %s: driver %s version %s does not satisfy min_driver_version %s",
				p.ID, d.Backend, d.Version, minVer)
		}
	}
	return nil
}
