package main

import (
	_ "embed"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const version string = "0.1.0"

// The string below will be replaced during build time using
// -ldflags "-X main.compileDate=`date -u +.%Y%m%d.%H%M%S"`"
var compileDate string = ".unknown"

var own_name string = "fasttrack2bids"

// the project directory, the MCP server can move it to a client root
var input_dir string = "."

//go:embed templates/README.md
var readme string

//go:embed templates/dcm2bids.json
var dcm2bids_config string

func exitGracefully(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func check(e error) {
	if e != nil {
		exitGracefully(e)
	}
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

func main() {

	const (
		errorConfigFile = "the current directory is not a fasttrack2bids directory. Change to the correct directory first or create a new folder by running\n\n\tfasttrack2bids init project01\n "
	)

	initCommand := flag.NewFlagSet("init", flag.ContinueOnError)
	configCommand := flag.NewFlagSet("config", flag.ContinueOnError)
	filterCommand := flag.NewFlagSet("filter", flag.ContinueOnError)
	swarmCommand := flag.NewFlagSet("swarm", flag.ContinueOnError)
	pipelineCommand := flag.NewFlagSet("pipeline", flag.ContinueOnError)
	scanCommand := flag.NewFlagSet("scan", flag.ContinueOnError)
	statusCommand := flag.NewFlagSet("status", flag.ContinueOnError)
	mcpCommand := flag.NewFlagSet("mcp", flag.ContinueOnError)

	var author_name string
	initCommand.StringVar(&author_name, "author_name", "", "Author name stored in the project config.")
	var author_email string
	initCommand.StringVar(&author_email, "author_email", "", "Author email stored in the project config.")
	var init_help bool
	initCommand.BoolVar(&init_help, "help", false, "Show help for init.")

	var config_package_id int
	configCommand.IntVar(&config_package_id, "package_id", 0, "The NDA package ID the S3 links belong to.")
	var config_mcr string
	configCommand.StringVar(&config_mcr, "mcr", "", "Path to the MATLAB Compiler Runtime directory used by the compiled converter.")
	var config_converter string
	configCommand.StringVar(&config_converter, "converter", "", "Path to the compiled BIDS converter binary used in swarm jobs.")
	var config_dcm2bids string
	configCommand.StringVar(&config_dcm2bids, "dcm2bids", "", "Path to the dcm2bids configuration JSON.")
	var config_temp_directory string
	configCommand.StringVar(&config_temp_directory, "temp_directory", "", "Specify a directory for the intermediary pipeline folders.")
	var config_threads int
	configCommand.IntVar(&config_threads, "threads", 0, "Threads per swarm job.")
	var config_memory int
	configCommand.IntVar(&config_memory, "memory", 0, "Memory in GB per swarm job.")
	var config_walltime string
	configCommand.StringVar(&config_walltime, "walltime", "", "Walltime per swarm job, for example 12:00:00.")
	var config_modules string
	configCommand.StringVar(&config_modules, "modules", "", "Comma separated list of environment modules loaded in swarm jobs.")
	var config_help bool
	configCommand.BoolVar(&config_help, "help", false, "Print help for config.")

	var filter_datatypes string
	filterCommand.StringVar(&filter_datatypes, "d", "all", "Comma separated list of datatype group names to select. See the README for\nthe list of groups, \"all\" selects every series.")
	var filter_pid string
	filterCommand.StringVar(&filter_pid, "pid", "", "Comma separated list of participant IDs to include. The IDs are matched on\ntheir last 8 characters, so NDARINVXXXXXXXX and INVXXXXXXXX both work.")
	var filter_ptxt string
	filterCommand.StringVar(&filter_ptxt, "ptxt", "", "Text file with one participant ID per line to include.")
	var filter_sid string
	filterCommand.StringVar(&filter_sid, "sid", "", "Comma separated list of session names to include, with or without the ses- prefix.")
	var filter_stxt string
	filterCommand.StringVar(&filter_stxt, "stxt", "", "Text file with one session name per line to include.")
	var filter_csv string
	filterCommand.StringVar(&filter_csv, "csv", "", "CSV file with participant,session pairs to include.")
	var filter_exclude_pid string
	filterCommand.StringVar(&filter_exclude_pid, "exclude_pid", "", "Comma separated list of participant IDs to exclude.")
	var filter_exclude_sid string
	filterCommand.StringVar(&filter_exclude_sid, "exclude_sid", "", "Comma separated list of session names to exclude.")
	var filter_require_complete bool
	filterCommand.BoolVar(&filter_require_complete, "require_complete", false, "Drop series whose quality control is incomplete.")
	var filter_log_level string
	filterCommand.StringVar(&filter_log_level, "log_level", "INFO", fmt.Sprintf("One of %v.", logLevels))
	var filter_help bool
	filterCommand.BoolVar(&filter_help, "help", false, "Show help for filter.")

	var swarm_table string
	swarmCommand.StringVar(&swarm_table, "i", "", "The filtered QC table to generate jobs for. Defaults to the table of the last filter run.")
	var swarm_csv string
	swarmCommand.StringVar(&swarm_csv, "csv", "", "CSV file with participant,session pairs to generate jobs for instead of a QC table.")
	var swarm_output string
	swarmCommand.StringVar(&swarm_output, "o", "", "The BIDS output directory written into the job lines.")
	var swarm_logdir string
	swarmCommand.StringVar(&swarm_logdir, "logdir", "swarm_logs", "The swarm log directory.")
	var swarm_file string
	swarmCommand.StringVar(&swarm_file, "f", "fasttrack2bids.swarm", "The swarm file to write.")
	var swarm_help bool
	swarmCommand.BoolVar(&swarm_help, "help", false, "Show help for swarm.")

	var pipeline_package_id int
	pipelineCommand.IntVar(&pipeline_package_id, "p", 0, "The NDA package ID to download from. Defaults to the configured package ID.")
	var pipeline_links string
	pipelineCommand.StringVar(&pipeline_links, "t", "", "The S3 links file to download. Defaults to the links file of the last filter run.")
	var pipeline_dcm2bids string
	pipelineCommand.StringVar(&pipeline_dcm2bids, "c", "", "The dcm2bids configuration JSON. Defaults to the configured one.")
	var pipeline_output string
	pipelineCommand.StringVar(&pipeline_output, "o", ".", "The output directory for the preserved files.")
	var pipeline_temp string
	pipelineCommand.StringVar(&pipeline_temp, "temp_directory", "", "Directory for the intermediary files. Defaults to the configured temp directory,\nthen to the output directory.")
	var pipeline_preserve string
	pipelineCommand.StringVar(&pipeline_preserve, "preserve", "LOGS,BIDS", "Comma separated subset of LOGS,TGZ,DICOM,BIDS to keep in the output directory.")
	var pipeline_n_all int
	pipelineCommand.IntVar(&pipeline_n_all, "n_all", 0, "Number of workers for every stage, overridden by the per-stage flags.")
	var pipeline_n_download int
	pipelineCommand.IntVar(&pipeline_n_download, "n_download", 1, "Number of downloadcmd worker threads.")
	var pipeline_n_unpack int
	pipelineCommand.IntVar(&pipeline_n_unpack, "n_unpack", 1, "Number of parallel TGZ unpack workers.")
	var pipeline_n_convert int
	pipelineCommand.IntVar(&pipeline_n_convert, "n_convert", 1, "Number of parallel dcm2bids workers.")
	var pipeline_disable_workaround bool
	pipelineCommand.BoolVar(&pipeline_disable_workaround, "disable_uncompression_workaround", false, "Do not remove the leading raw data volumes from functional series before conversion.")
	var pipeline_log_level string
	pipelineCommand.StringVar(&pipeline_log_level, "log_level", "INFO", fmt.Sprintf("One of %v.", logLevels))
	var pipeline_help bool
	pipelineCommand.BoolVar(&pipeline_help, "help", false, "Show help for pipeline.")

	var scan_workers int
	scanCommand.IntVar(&scan_workers, "n", 1, "Number of parallel series check workers.")
	var scan_dry_run bool
	scanCommand.BoolVar(&scan_dry_run, "dry_run", false, "Only report the slice files that would be removed.")
	var scan_log_level string
	scanCommand.StringVar(&scan_log_level, "log_level", "INFO", fmt.Sprintf("One of %v.", logLevels))
	var scan_help bool
	scanCommand.BoolVar(&scan_help, "help", false, "Show help for scan.")

	var status_dicom string
	statusCommand.StringVar(&status_dicom, "dicom", "", "Directory with the unpacked DICOM files, enables the image viewer.")
	var status_help bool
	statusCommand.BoolVar(&status_help, "help", false, "Show help for status.")

	var mcp_http string
	mcpCommand.StringVar(&mcp_http, "http", "", "If set the MCP server uses streamable HTTP on this address instead of stdin/stdout.")

	var show_version bool
	flag.BoolVar(&show_version, "version", false, "Show the version number.")

	own_name = os.Args[0]
	// Showing useful information when the user enters the --help option
	flag.Usage = func() {
		fmt.Printf("fasttrack2bids - NDA ABCD fast track to BIDS\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Println(" A tool to filter the ABCD fast track quality control table, download the")
		fmt.Println(" selected image series from the NDA and convert them into a BIDS folder")
		fmt.Printf(" structure, locally or as swarm jobs on an HPC cluster.\n\n")
		fmt.Printf("Usage: %s [init|config|filter|swarm|pipeline|scan|status|mcp] [options]\n\tStart with init to create a new project folder:\n\n\t%s init <project>\n\n", os.Args[0], os.Args[0])
		fmt.Printf("Option init:\n  Create a new fasttrack2bids project.\n\n")
		initCommand.PrintDefaults()
		fmt.Printf("\nOption config:\n  Change the current settings of your project.\n\n")
		configCommand.PrintDefaults()
		fmt.Printf("\nOption filter:\n  Filter a fast track QC table into an S3 links file and a filtered table.\n\n\t%s filter [options] <QC table> <output directory>\n\n", os.Args[0])
		filterCommand.PrintDefaults()
		fmt.Printf("\nOption swarm:\n  Generate a swarm job file from a filtered QC table.\n\n")
		swarmCommand.PrintDefaults()
		fmt.Printf("\nOption pipeline:\n  Download, unpack and convert the series of an S3 links file.\n\n")
		pipelineCommand.PrintDefaults()
		fmt.Printf("\nOption scan:\n  Check unpacked functional series for corrupt leading volumes.\n\n\t%s scan [options] <DICOM directory>\n\n", os.Args[0])
		scanCommand.PrintDefaults()
		fmt.Printf("\nOption status:\n  Browse a filtered QC table in the terminal.\n\n\t%s status [options] <filtered QC table>\n\n", os.Args[0])
		statusCommand.PrintDefaults()
		fmt.Printf("\nOption mcp:\n  Start the model context protocol server.\n\n")
		mcpCommand.PrintDefaults()
		fmt.Println("")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(-1)
	}

	env, err := loadEnvironment()
	check(err)

	langFmt := message.NewPrinter(language.English)

	switch os.Args[1] {
	case "init":
		if err := initCommand.Parse(os.Args[2:]); err == nil {
			if init_help {
				initCommand.PrintDefaults()
				return
			}
			values := initCommand.Args()
			if len(values) != 1 {
				exitGracefully(errors.New("we need a single path entry specified"))
			}
			input_dir = initCommand.Arg(0)
			dir_path := filepath.Join(input_dir, projectDirName)
			if _, err := os.Stat(dir_path); !os.IsNotExist(err) {
				exitGracefully(errors.New("this directory has already been initialized. Delete the " + projectDirName + " directory to do this again"))
			}
			if _, err := os.Stat(input_dir); os.IsNotExist(err) {
				check(os.Mkdir(input_dir, 0755))
			}
			check(os.Mkdir(dir_path, 0700))

			config := newConfig(author_name, author_email)
			config.PackageID = env.PackageID
			config.TempDirectory = env.TempDir
			check(config.writeConfig(input_dir))

			readme_path := filepath.Join(input_dir, "README.md")
			check(os.WriteFile(readme_path, []byte(readme), 0644))
			dcm2bids_path := filepath.Join(input_dir, "dcm2bids.json")
			check(os.WriteFile(dcm2bids_path, []byte(dcm2bids_config), 0644))

			fmt.Printf("\nInit new project folder \"%s\" done.\n", input_dir)
			fmt.Printf("Download the fast track QC table from the NDA and filter it to get started\n\n\tcd \"%s\"\n\t%s filter -d all-anat abcd_fastqc01.txt .\n\n", input_dir, own_name)
		}
	case "config":
		if err := configCommand.Parse(os.Args[2:]); err == nil {
			if config_help {
				configCommand.PrintDefaults()
				return
			}
			if configCommand.NArg() == 1 {
				input_dir = configCommand.Arg(0)
			}
			dir_path := filepath.Join(input_dir, projectDirName, "config")
			config, err := readConfig(dir_path)
			if err != nil {
				exitGracefully(errors.New(errorConfigFile))
			}
			changed := false
			if config_package_id != 0 {
				config.PackageID = config_package_id
				changed = true
			}
			if config_mcr != "" {
				config.MCRDir = config_mcr
				changed = true
			}
			if config_converter != "" {
				config.ConverterBin = config_converter
				changed = true
			}
			if config_dcm2bids != "" {
				if _, err := os.Stat(config_dcm2bids); os.IsNotExist(err) {
					exitGracefully(fmt.Errorf("the dcm2bids config %s does not exist", config_dcm2bids))
				}
				config.Dcm2BidsConfig = config_dcm2bids
				changed = true
			}
			if config_temp_directory != "" {
				if _, err := os.Stat(config_temp_directory); os.IsNotExist(err) {
					exitGracefully(errors.New("this temp_directory path does not exist"))
				}
				config.TempDirectory = config_temp_directory
				changed = true
			}
			if config_threads != 0 {
				config.Swarm.Threads = config_threads
				changed = true
			}
			if config_memory != 0 {
				config.Swarm.MemoryGB = config_memory
				changed = true
			}
			if config_walltime != "" {
				config.Swarm.Walltime = config_walltime
				changed = true
			}
			if config_modules != "" {
				config.Swarm.Modules = splitList(config_modules)
				changed = true
			}
			if changed {
				check(config.writeConfig(input_dir))
			}
			file, err := json.MarshalIndent(config, "", " ")
			check(err)
			fmt.Println(string(file))
		}
	case "filter":
		if err := filterCommand.Parse(os.Args[2:]); err == nil {
			if filter_help || filterCommand.NArg() == 0 {
				filterCommand.PrintDefaults()
				return
			}
			if filterCommand.NArg() != 2 {
				exitGracefully(errors.New("we need the QC table and the output directory specified\n\n\tfasttrack2bids filter -d all-anat abcd_fastqc01.txt output/"))
			}
			table_path := filterCommand.Arg(0)
			output_dir := filterCommand.Arg(1)

			logger, err := newLogger(filter_log_level, env.Mode)
			check(err)
			defer logger.Sync()

			datatypes := splitList(filter_datatypes)
			expanded, err := expandDatatypes(datatypes)
			check(err)
			for _, warning := range datatypeWarnings(datatypes) {
				logger.Warn(warning)
			}

			criteria := SelectionCriteria{
				Datatypes:       expanded,
				RequireComplete: filter_require_complete,
			}
			for _, pid := range splitList(filter_pid) {
				normalized, err := normalizeSubject(pid)
				check(err)
				criteria.Subjects = append(criteria.Subjects, normalized)
			}
			if filter_ptxt != "" {
				lines, err := readLines(filter_ptxt)
				check(err)
				for _, pid := range lines {
					normalized, err := normalizeSubject(pid)
					check(err)
					criteria.Subjects = append(criteria.Subjects, normalized)
				}
			}
			for _, sid := range splitList(filter_sid) {
				session, err := parseSession(sid)
				check(err)
				criteria.Sessions = append(criteria.Sessions, session)
			}
			if filter_stxt != "" {
				lines, err := readLines(filter_stxt)
				check(err)
				for _, sid := range lines {
					session, err := parseSession(sid)
					check(err)
					criteria.Sessions = append(criteria.Sessions, session)
				}
			}
			if filter_csv != "" {
				pairs, err := readPairsCSV(filter_csv)
				check(err)
				criteria.Pairs = pairs
			}
			for _, pid := range splitList(filter_exclude_pid) {
				normalized, err := normalizeSubject(pid)
				check(err)
				criteria.ExcludeSubjects = append(criteria.ExcludeSubjects, normalized)
			}
			for _, sid := range splitList(filter_exclude_sid) {
				session, err := parseSession(sid)
				check(err)
				criteria.ExcludeSessions = append(criteria.ExcludeSessions, session)
			}

			table, err := loadTable(table_path, logger)
			check(err)
			records := filterRecords(resolveReplacements(table.Records, logger), criteria)

			suffix := filterSuffix(datatypes, records)
			check(os.MkdirAll(output_dir, 0755))
			links_path := filepath.Join(output_dir, fmt.Sprintf("s3_links_%s.txt", suffix))
			check(writeLinkList(extractLinks(records, logger), links_path))
			stem := strings.TrimSuffix(filepath.Base(table_path), filepath.Ext(table_path))
			filtered_path := filepath.Join(output_dir, fmt.Sprintf("%s_%s.txt", stem, suffix))
			check(writeFilteredTable(table, records, filtered_path))

			langFmt.Printf("Selected %d image series over %d sessions of %d participants.\n",
				len(records), uniqueSessions(records), uniqueParticipants(records))
			fmt.Printf("Wrote\n\t%s\n\t%s\n", links_path, filtered_path)

			// remember the outputs when we are inside a project
			dir_path := filepath.Join(input_dir, projectDirName, "config")
			if config, err := readConfig(dir_path); err == nil {
				config.LastFilterTable = filtered_path
				config.LastLinksFile = links_path
				if err := config.writeConfig(input_dir); err != nil {
					logger.Warnf("could not update the project config: %v", err)
				}
			}
		}
	case "swarm":
		if err := swarmCommand.Parse(os.Args[2:]); err == nil {
			if swarm_help {
				swarmCommand.PrintDefaults()
				return
			}
			dir_path := filepath.Join(input_dir, projectDirName, "config")
			config, err := readConfig(dir_path)
			if err != nil {
				exitGracefully(errors.New(errorConfigFile))
			}
			var jobs []SwarmJob
			if swarm_csv != "" {
				jobs, err = jobsFromPairsCSV(swarm_csv)
				check(err)
			} else {
				table_path := swarm_table
				if table_path == "" {
					table_path = config.LastFilterTable
				}
				if table_path == "" {
					exitGracefully(errors.New("no filtered QC table. Run filter first or pass one with -i"))
				}
				logger, err := newLogger("WARNING", env.Mode)
				check(err)
				defer logger.Sync()

				table, err := loadTable(table_path, logger)
				check(err)
				jobs = sessionsFromRecords(resolveReplacements(table.Records, logger))
			}
			swarmConfig := SwarmConfig{
				ConverterBin:   config.ConverterBin,
				MCRDir:         config.MCRDir,
				Dcm2BidsConfig: config.Dcm2BidsConfig,
				OutputDir:      swarm_output,
				LogDir:         swarm_logdir,
				Resources:      config.Swarm,
			}
			if swarmConfig.OutputDir == "" {
				swarmConfig.OutputDir = "."
			}
			if swarmConfig.Dcm2BidsConfig == "" {
				swarmConfig.Dcm2BidsConfig = filepath.Join(input_dir, "dcm2bids.json")
			}
			script, err := generateSwarmScript(jobs, swarmConfig)
			check(err)
			check(os.WriteFile(swarm_file, []byte(script), 0644))
			langFmt.Printf("Wrote %d jobs to %s. Submit them with\n\n\t%s\n", len(jobs), swarm_file, swarmRunCommand(swarm_file))
		}
	case "pipeline":
		if err := pipelineCommand.Parse(os.Args[2:]); err == nil {
			if pipeline_help {
				pipelineCommand.PrintDefaults()
				return
			}
			logger, err := newLogger(pipeline_log_level, env.Mode)
			check(err)
			defer logger.Sync()

			if pipeline_n_all > 0 {
				if pipeline_n_download == 1 {
					pipeline_n_download = pipeline_n_all
				}
				if pipeline_n_unpack == 1 {
					pipeline_n_unpack = pipeline_n_all
				}
				if pipeline_n_convert == 1 {
					pipeline_n_convert = pipeline_n_all
				}
			}
			opts := PipelineOptions{
				PackageID:         pipeline_package_id,
				LinksFile:         pipeline_links,
				Dcm2BidsConfig:    pipeline_dcm2bids,
				OutputDir:         pipeline_output,
				TempDir:           pipeline_temp,
				Preserve:          splitList(pipeline_preserve),
				NDownload:         pipeline_n_download,
				NUnpack:           pipeline_n_unpack,
				NConvert:          pipeline_n_convert,
				DisableWorkaround: pipeline_disable_workaround,
			}
			// fall back to the project config, then to the environment
			dir_path := filepath.Join(input_dir, projectDirName, "config")
			if config, err := readConfig(dir_path); err == nil {
				if opts.PackageID == 0 {
					opts.PackageID = config.PackageID
				}
				if opts.LinksFile == "" {
					opts.LinksFile = config.LastLinksFile
				}
				if opts.Dcm2BidsConfig == "" {
					opts.Dcm2BidsConfig = config.Dcm2BidsConfig
				}
				if opts.TempDir == "" {
					opts.TempDir = config.TempDirectory
				}
			}
			if opts.PackageID == 0 {
				opts.PackageID = env.PackageID
			}
			if opts.NDownload == 1 && env.DownloadThreads > 1 {
				opts.NDownload = env.DownloadThreads
			}
			if opts.TempDir == "" {
				opts.TempDir = env.TempDir
			}
			if opts.PackageID == 0 {
				exitGracefully(errors.New("no NDA package ID. Set one with\n\n\tfasttrack2bids config -package_id <id>"))
			}
			if opts.LinksFile == "" {
				exitGracefully(errors.New("no S3 links file. Run filter first or pass one with -t"))
			}
			check(runPipeline(opts, logger))
		}
	case "scan":
		if err := scanCommand.Parse(os.Args[2:]); err == nil {
			if scan_help || scanCommand.NArg() != 1 {
				scanCommand.PrintDefaults()
				return
			}
			logger, err := newLogger(scan_log_level, env.Mode)
			check(err)
			defer logger.Sync()
			check(removeCorruptVolumes(scanCommand.Arg(0), scan_workers, scan_dry_run, logger))
		}
	case "status":
		if err := statusCommand.Parse(os.Args[2:]); err == nil {
			if status_help {
				statusCommand.PrintDefaults()
				return
			}
			table_path := ""
			if statusCommand.NArg() == 1 {
				table_path = statusCommand.Arg(0)
			} else {
				dir_path := filepath.Join(input_dir, projectDirName, "config")
				config, err := readConfig(dir_path)
				if err != nil {
					exitGracefully(errors.New(errorConfigFile))
				}
				table_path = config.LastFilterTable
			}
			if table_path == "" {
				exitGracefully(errors.New("no filtered QC table. Run filter first or pass one as an argument"))
			}
			logger, err := newLogger("ERROR", env.Mode)
			check(err)
			defer logger.Sync()
			table, err := loadTable(table_path, logger)
			check(err)

			statusTUI := StatusTUI{
				table:     table,
				records:   table.Records,
				dicomRoot: status_dicom,
			}
			statusTUI.Init()
		}
	case "mcp":
		if err := mcpCommand.Parse(os.Args[2:]); err == nil {
			if mcpCommand.NArg() == 1 {
				input_dir = mcpCommand.Arg(0)
			}
			startMCP(mcp_http, input_dir)
		}
	default:
		flag.Parse()
		if show_version {
			fmt.Printf("fasttrack2bids version %s%s\n", version, compileDate)
			return
		}
		flag.Usage()
		os.Exit(-1)
	}
}
