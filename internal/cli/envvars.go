package cli

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// ParseFlagsWithEnvVars parses the command line.
// Every flag can also be set with a prefixed environment variable, e.g. STT_LOG_LEVEL.
// aliases maps further environment variable names to flag names; they apply when the prefixed variable is not set.
// Variables from .env and from the file named by <prefix>ENV_FILE are loaded first without overriding the environment.
// A flag named "config" is applied before all other flags so that they override the values it loads.
func ParseFlagsWithEnvVars(flags *flag.FlagSet, envVarPrefix string, aliases map[string]string) {
	err := LoadEnvFiles(envVarPrefix)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}

	err = parseFlags(flags, envVarPrefix, aliases, os.Args[1:], os.Environ())
	if err != nil {
		flags.Usage()
		slog.Error(err.Error())
		os.Exit(1)
	}
}

// LoadEnvFiles loads .env from the working directory (if present) and the file named by <prefix>ENV_FILE.
func LoadEnvFiles(envVarPrefix string) error {
	err := godotenv.Load(".env")
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	if file := os.Getenv(envVarPrefix + "ENV_FILE"); file != "" {
		err = godotenv.Load(file)
		if err != nil {
			return fmt.Errorf("load env file %s: %w", file, err)
		}
	}

	return nil
}

func parseFlags(flags *flag.FlagSet, envVarPrefix string, aliases map[string]string, args, environ []string) error {
	addLogFlags(flags)

	env := map[string]string{}
	for _, entry := range environ {
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) == 2 {
			env[kv[0]] = kv[1]
		}
	}

	supportedEnvVars := map[string]struct{}{envVarPrefix + "ENV_FILE": {}}
	flagAliases := map[string][]string{}
	for alias, flagName := range aliases {
		flagAliases[flagName] = append(flagAliases[flagName], alias)
	}

	args, err := applyConfigFlag(flags, envVarPrefix, env, args)
	if err != nil {
		return err
	}

	flags.VisitAll(func(f *flag.Flag) {
		envVarName := envVarPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		f.Usage = fmt.Sprintf("%s (%s)", f.Usage, envVarName)
		supportedEnvVars[envVarName] = struct{}{}

		if f.Name == configFlagName {
			return
		}

		names := append([]string{envVarName}, flagAliases[f.Name]...)
		for _, name := range names {
			envVarValue := env[name]
			if envVarValue == "" {
				continue
			}

			f.DefValue = envVarValue
			if e := f.Value.Set(envVarValue); e != nil && err == nil {
				err = fmt.Errorf("invalid environment variable %s value provided: %w", name, e)
			}

			break
		}
	})

	if err != nil {
		return err
	}

	err = flags.Parse(args)
	if err != nil {
		return err
	}

	for name := range env {
		if strings.HasPrefix(name, envVarPrefix) {
			if _, ok := supportedEnvVars[name]; !ok {
				return fmt.Errorf("unsupported environment variable provided: %s", name)
			}
		}
	}

	return nil
}

const configFlagName = "config"

// applyConfigFlag sets the config flag from its env var or the command line
// and returns the arguments without it.
func applyConfigFlag(flags *flag.FlagSet, envVarPrefix string, env map[string]string, args []string) ([]string, error) {
	f := flags.Lookup(configFlagName)
	if f == nil {
		return args, nil
	}

	value := env[envVarPrefix+strings.ToUpper(configFlagName)]
	remaining := make([]string, 0, len(args))

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" || !strings.HasPrefix(arg, "-") {
			remaining = append(remaining, args[i:]...)
			break
		}

		name := strings.TrimLeft(arg, "-")

		switch {
		case name == configFlagName:
			if i+1 >= len(args) {
				return nil, fmt.Errorf("flag needs an argument: -%s", configFlagName)
			}
			i++
			value = args[i]
		case strings.HasPrefix(name, configFlagName+"="):
			value = strings.TrimPrefix(name, configFlagName+"=")
		default:
			remaining = append(remaining, arg)

			if !strings.Contains(name, "=") && i+1 < len(args) && takesValue(flags.Lookup(name)) {
				i++
				remaining = append(remaining, args[i])
			}
		}
	}

	if value == "" {
		return remaining, nil
	}

	f.DefValue = value

	err := f.Value.Set(value)
	if err != nil {
		return nil, fmt.Errorf("invalid -%s value provided: %w", configFlagName, err)
	}

	return remaining, nil
}

func takesValue(f *flag.Flag) bool {
	if f == nil {
		return false
	}

	b, ok := f.Value.(interface{ IsBoolFlag() bool })

	return !ok || !b.IsBoolFlag()
}
