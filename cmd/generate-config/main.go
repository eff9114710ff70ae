package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"gopkg.in/yaml.v2"

	"github.com/matrix-org/fedcore/setup/config"
)

func main() {
	cfg, err := buildConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	j, err := yaml.Marshal(cfg)
	if err != nil {
		panic(err)
	}

	fmt.Println(string(j))
}

func buildConfig(fs *flag.FlagSet, args []string) (*config.FedCore, error) {
	defaultsForCI := fs.Bool("ci", false, "Populate the configuration with sane defaults for use in CI")
	serverName := fs.String("server", "", "The domain name of the server if not 'localhost'")
	dbURI := fs.String("db", "", "The DB URI to use for all components (PostgreSQL only)")
	dirPath := fs.String("dir", "./", "The folder to use for paths (like SQLite databases)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &config.FedCore{}
	cfg.Defaults(config.DefaultOpts{Generate: true})

	if *serverName != "" {
		cfg.Global.ServerName = spec.ServerName(*serverName)
	}
	uri := config.DataSource(*dbURI)
	if uri.IsSQLite() || uri == "" {
		for name, db := range map[string]*config.DatabaseOptions{
			"federationapi": &cfg.FederationAPI.Database,
			"roomserver":    &cfg.RoomServer.Database,
		} {
			db.ConnectionString = config.DataSource("file:" + filepath.Join(*dirPath, name+".db"))
		}
	} else {
		cfg.FederationAPI.Database.ConnectionString = uri
		cfg.RoomServer.Database.ConnectionString = uri
	}

	cfg.Global.JetStream.StoragePath = config.Path(*dirPath)
	cfg.Global.JetStream.InMemory = false
	cfg.Logging = []config.LogrusHook{
		{
			Type:  "file",
			Level: "info",
			Params: map[string]interface{}{
				"path": filepath.Join(*dirPath, "log"),
			},
		},
	}

	if *defaultsForCI {
		cfg.FederationAPI.DisableTLSValidation = true
		cfg.FederationAPI.RateLimiting.Enabled = false
		cfg.Logging[0].Level = "trace"
		cfg.Logging[0].Type = "std"
		cfg.Global.JetStream.InMemory = true
	}

	return cfg, nil
}
