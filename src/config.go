package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const projectDirName = ".fasttrack2bids"
const envFile = "fasttrack2bids.env"

type AuthorInfo struct {
	Name, Email string
}

// SwarmResources is the resource specification header of a generated swarm
// file.
type SwarmResources struct {
	Threads  int
	MemoryGB int
	Walltime string
	Modules  []string
}

// Config is the per-project state kept in <project>/.fasttrack2bids/config.
type Config struct {
	Date            string
	Author          AuthorInfo
	PackageID       int
	MCRDir          string
	ConverterBin    string
	Dcm2BidsConfig  string
	TempDirectory   string
	Swarm           SwarmResources
	LastFilterTable string
	LastLinksFile   string
}

// readConfig parses a provided config file as JSON.
// It returns the parsed code as a marshaled structure.
func readConfig(path_string string) (Config, error) {
	if _, err := os.Stat(path_string); err != nil && os.IsNotExist(err) {
		return Config{}, fmt.Errorf("file %s does not exist", path_string)
	}
	// the config can carry NDA package information, warn if its readable by
	// anyone else
	if fileInfo, err := os.Stat(path_string); err == nil {
		mode := fileInfo.Mode()
		mode_str := fmt.Sprintf("%s", mode)
		if mode_str != "-rw-------" {
			fmt.Println("Warning: Your config file is not secure. Change the permissions by 'chmod 0600 "+path_string+"'. Now: ", mode)
		}
	}

	jsonFile, err := os.Open(path_string)
	if err != nil {
		return Config{}, fmt.Errorf("could not open the file %s", path_string)
	}
	defer jsonFile.Close()

	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return Config{}, errors.Wrapf(err, "could not read the file %s", path_string)
	}

	var config Config
	if err := json.Unmarshal(byteValue, &config); err != nil {
		return Config{}, errors.Wrapf(err, "could not parse the file %s", path_string)
	}
	return config, nil
}

// writeConfig stores the config back into the project dot directory.
func (config Config) writeConfig(project_dir string) error {
	dir_path := filepath.Join(project_dir, projectDirName)
	if _, err := os.Stat(dir_path); os.IsNotExist(err) {
		return fmt.Errorf("the directory %s is not a fasttrack2bids project, run\n\tfasttrack2bids init %s\nfirst", project_dir, project_dir)
	}
	file, err := json.MarshalIndent(config, "", " ")
	if err != nil {
		return errors.Wrap(err, "could not serialize the config")
	}
	return errors.Wrapf(os.WriteFile(filepath.Join(dir_path, "config"), file, 0600),
		"could not write the config for %s", project_dir)
}

func newConfig(author_name string, author_email string) Config {
	return Config{
		Date: time.Now().String(),
		Author: AuthorInfo{
			Name:  author_name,
			Email: author_email,
		},
		Swarm: SwarmResources{
			Threads:  4,
			MemoryGB: 16,
			Walltime: "12:00:00",
		},
	}
}

// Environment contains the imported environment variables. They provide the
// defaults underneath the per-project config.
type Environment struct {
	// Debug vs Deploy
	Mode string `default:"prod"`
	// Default NDA package ID used when the project config has none
	PackageID int `default:"0" split_words:"true"`
	// Default download worker thread count
	DownloadThreads int `default:"1" split_words:"true"`
	// Directory for intermediary files when no -t flag is given
	TempDir string `split_words:"true"`
}

// loadEnvironment imports the environment variables, reading the optional
// fasttrack2bids.env file first.
func loadEnvironment() (*Environment, error) {
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, errors.Wrapf(err, "error loading the %s file", envFile)
		}
	}
	var env Environment
	if err := envconfig.Process("ft2b", &env); err != nil {
		return nil, errors.Wrap(err, "error processing environment config")
	}
	return &env, nil
}

// logLevels in most to least verbose order, matching the -log-level flag.
var logLevels = []string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}

// newLogger builds the process logger. The level names follow the original
// workflow documentation, mode selects the console or the JSON encoder.
func newLogger(level string, mode string) (*zap.SugaredLogger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "DEBUG":
		zapLevel = zapcore.DebugLevel
	case "INFO":
		zapLevel = zapcore.InfoLevel
	case "WARNING":
		zapLevel = zapcore.WarnLevel
	case "ERROR":
		zapLevel = zapcore.ErrorLevel
	case "CRITICAL":
		zapLevel = zapcore.DPanicLevel
	default:
		return nil, fmt.Errorf("invalid log level \"%s\", pick one of %v", level, logLevels)
	}

	var cfg zap.Config
	if mode == "dev" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "could not set up logging")
	}
	return logger.Sugar(), nil
}
