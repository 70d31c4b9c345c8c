// Package config loads jobwatch configuration with Viper.
//
// Values come from a YAML, JSON or TOML file (set with SetPath, or searched
// for as "config" in /etc/jobwatch, $HOME/.jobwatch, the working directory
// and the binary's directory), then from JOBWATCH_-prefixed environment
// variables, e.g. JOBWATCH_SERVER_PORT=8080 or JOBWATCH_QUEUE_BACKEND=memory.
// A .env file in the working directory is loaded first when present.
//
// Every setting has a default, so the service starts without a file:
//
//	cfg, err := config.Init()
//
// Watch reloads the file on change and hands the new Config to a callback:
//
//	config.Watch(func(c *config.Config) {
//	    logger.StdLogger().SetLevelValue(c.Logger.Level)
//	})
package config
