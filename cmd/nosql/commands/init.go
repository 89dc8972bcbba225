package commands

import (
	"fmt"
	"os"

	"github.com/moolen/nosql/internal/config"
	"github.com/spf13/cobra"
)

var (
	initOut   string
	initForce bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an example profiles file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(initOut); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", initOut)
		}
		if err := config.WriteProfilesFile(initOut, exampleProfiles()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", initOut)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initOut, "out", "profiles.yaml", "Destination file")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")
}

func exampleProfiles() *config.ProfilesFile {
	return &config.ProfilesFile{
		SchemaVersion: config.SchemaVersion,
		SocketBindings: map[string]config.SocketBinding{
			"cassandra": {Host: "127.0.0.1", Port: 9042},
			"mongo":     {Host: "127.0.0.1", Port: 27017},
			"neo4j":     {Host: "127.0.0.1", Port: 7687},
			"orientdb":  {Host: "127.0.0.1", Port: 2480},
			"falkordb":  {Host: "127.0.0.1", Port: 6379},
		},
		SecurityDomains: map[string]config.SecurityDomain{
			"cassandra-sec": {Username: "cassandra", PasswordEnv: "CASSANDRA_PASSWORD"},
			"neo4j-sec":     {Username: "neo4j", PasswordEnv: "NEO4J_PASSWORD"},
			"orientdb-sec":  {Username: "root", PasswordEnv: "ORIENTDB_PASSWORD"},
		},
		Profiles: []config.Profile{
			{
				ID:             "cassandra-test",
				Type:           "cassandra",
				LookupName:     "java:jboss/cassandra/test",
				Module:         "org.example.cassandra",
				SecurityDomain: "cassandra-sec",
				Namespace:      "testspace",
				Hosts:          []string{"cassandra"},
			},
			{
				ID:         "mongo-test",
				Type:       "mongo",
				LookupName: "java:jboss/mongodb/test",
				Module:     "org.example.mongo",
				Namespace:  "mongotestdb",
				Hosts:      []string{"mongo"},
			},
			{
				ID:             "neo4j-test",
				Type:           "neo4j",
				LookupName:     "java:jboss/neo4jdriver/test",
				Module:         "org.example.neo4j",
				SecurityDomain: "neo4j-sec",
				Transaction:    "1pc",
				Hosts:          []string{"neo4j"},
			},
			{
				ID:               "orientdb-test",
				Type:             "orientdb",
				LookupName:       "java:jboss/orientdb/test",
				Module:           "org.example.orientdb",
				SecurityDomain:   "orientdb-sec",
				Namespace:        "demo",
				MaxPoolSize:      10,
				MaxPartitionSize: 2,
				Hosts:            []string{"orientdb"},
			},
			{
				ID:         "falkordb-test",
				Type:       "falkordb",
				LookupName: "java:jboss/falkordb/test",
				Namespace:  "social",
				Hosts:      []string{"falkordb"},
			},
		},
	}
}
