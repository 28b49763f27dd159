package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func startMCP(useHttp string, rootFolder string) {
	// if the useHttp string is empty use stdin/stdout
	if useHttp == "" {
		log.Println("Starting MCP server using stdin/stdout")
	}

	opts := &mcp.ServerOptions{
		Instructions:      "Use this server with the MCP protocol in vcode or other clients.",
		CompletionHandler: complete, // support completions by setting this handler
		RootsListChangedHandler: func(ctx context.Context, req *mcp.RootsListChangedRequest) {
			// the client may move us to another project folder
		},
	}

	server := mcp.NewServer(&mcp.Implementation{Name: "fasttrack2bids", Version: version}, opts)

	mcp.AddTool(server, &mcp.Tool{Name: "fasttrack/info", Description: "fasttrack2bids turns an NDA ABCD fast track QC table into S3 download lists and BIDS conversion jobs. Reports the counts of the last filtered table."}, infoTool)
	mcp.AddTool(server, &mcp.Tool{Name: "filter", Description: "Filter the fast track QC table of the current project by datatypes, participants and sessions. Writes the S3 links file and the filtered table into the given output directory."}, filterTool)
	mcp.AddTool(server, &mcp.Tool{Name: "project", Description: "Report the project folder the client provided and its current configuration."}, projectTool)
	mcp.AddTool(server, &mcp.Tool{Name: "setup", Description: "Ask the user for the NDA package ID and store it in the project config."}, setupTool)

	// Add a basic prompt.
	server.AddPrompt(&mcp.Prompt{Name: "workflow"}, workflowPrompt)

	// Add an embedded resource.
	server.AddResource(&mcp.Resource{
		Name:     "info",
		MIMEType: "text/plain",
		URI:      "embedded:info",
	}, embeddedResource)
	server.AddResource(&mcp.Resource{
		Name:     "datatypes",
		MIMEType: "text/plain",
		URI:      "embedded:datatypes",
	}, embeddedResource)
	server.AddResource(&mcp.Resource{
		Name:     "numparticipants",
		MIMEType: "text/plain",
		URI:      "embedded:numparticipants",
	}, embeddedResource)
	server.AddResource(&mcp.Resource{
		Name:     "numsessions",
		MIMEType: "text/plain",
		URI:      "embedded:numsessions",
	}, embeddedResource)
	server.AddResource(&mcp.Resource{
		Name:     "numseries",
		MIMEType: "text/plain",
		URI:      "embedded:numseries",
	}, embeddedResource)

	// Serve over stdio, or streamable HTTP if -http is set.
	if useHttp != "" {
		handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return server
		}, nil)
		log.Printf("MCP handler listening at %s", useHttp)
		http.ListenAndServe(useHttp, handler)
	} else {
		t := &mcp.LoggingTransport{Transport: &mcp.StdioTransport{}, Writer: os.Stderr}
		if err := server.Run(context.Background(), t); err != nil {
			log.Printf("Server failed: %v", err)
		}
	}
}

func workflowPrompt(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	datatype := req.Params.Arguments["datatype"]
	if datatype == "" {
		datatype = "all"
	}
	return &mcp.GetPromptResult{
		Description: "Fast track workflow prompt",
		Messages: []*mcp.PromptMessage{
			{
				Role: "user",
				Content: &mcp.TextContent{Text: "Walk me through turning abcd_fastqc01.txt into a BIDS dataset with fasttrack2bids. Filter the \"" + datatype + "\" datatype first, then either generate swarm jobs for the cluster or run the pipeline locally."},
			},
		},
	}, nil
}

var embeddedResources = map[string]string{
	"info":            "This is the 'fasttrack2bids' tool server. 'fasttrack2bids' filters the NDA ABCD fast track QC table and prepares BIDS conversion jobs.",
	"datatypes":       "",
	"numparticipants": "",
	"numsessions":     "",
	"numseries":       "",
}

func getInputDir(ctx context.Context, session *mcp.ServerSession) (string, error) {
	res, err := session.ListRoots(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("listing roots failed: %v", err)
	}
	var allroots []string
	for _, r := range res.Roots {
		uri_temp := strings.TrimPrefix(r.URI, "file://")
		allroots = append(allroots, uri_temp)
	}
	if len(allroots) == 0 {
		return "", fmt.Errorf("the client provided no roots")
	}
	dir_path := allroots[0]
	return dir_path, nil
}

// lastFilteredRecords loads the filtered table the last filter run stored in
// the project config.
func lastFilteredRecords(projectDir string) ([]FastTrackRecord, error) {
	config, err := readConfig(filepath.Join(projectDir, projectDirName, "config"))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}
	if config.LastFilterTable == "" {
		return nil, fmt.Errorf("no filter has been run in %s yet", projectDir)
	}
	logger, err := newLogger("ERROR", "prod")
	if err != nil {
		return nil, err
	}
	defer logger.Sync()
	table, err := loadTable(config.LastFilterTable, logger)
	if err != nil {
		return nil, err
	}
	return table.Records, nil
}

func embeddedResource(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	u, err := url.Parse(req.Params.URI)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "embedded" {
		return nil, fmt.Errorf("wrong scheme: %q", u.Scheme)
	}
	key := u.Opaque
	text, ok := embeddedResources[key]
	if !ok {
		return nil, fmt.Errorf("no embedded resource named %q", key)
	}
	if key == "datatypes" {
		text = strings.Join(datatypeNames(), ", ")
	}
	if key == "numparticipants" || key == "numsessions" || key == "numseries" {
		if input_dir, err = getInputDir(ctx, req.Session); err != nil {
			return nil, err
		}
		records, err := lastFilteredRecords(input_dir)
		if err != nil {
			return nil, err
		}
		switch key {
		case "numparticipants":
			text = fmt.Sprintf("%d", uniqueParticipants(records))
		case "numsessions":
			text = fmt.Sprintf("%d", uniqueSessions(records))
		case "numseries":
			text = fmt.Sprintf("%d", len(records))
		}
	}

	if text == "" {
		text = "empty string"
	}

	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{URI: req.Params.URI, MIMEType: "text/plain", Text: text},
		},
	}, nil
}

type args struct {
	Name string `json:"name" jsonschema:"the name to say hi to"`
}

type filterArgs struct {
	Table           string   `json:"table" jsonschema:"the fast track QC table file to filter"`
	OutputDir       string   `json:"outputdir" jsonschema:"the directory to write the links file and filtered table into"`
	Datatypes       []string `json:"datatypes" jsonschema:"the datatype group names to select"`
	Subjects        []string `json:"subjects,omitempty" jsonschema:"the participant IDs to include, all when empty"`
	Sessions        []string `json:"sessions,omitempty" jsonschema:"the session names to include, all when empty"`
	RequireComplete bool     `json:"requirecomplete,omitempty" jsonschema:"drop series whose quality control is incomplete"`
}

type result struct {
	Message string `json:"message" jsonschema:"the message to convey"`
}

// the filter tool reports the written files and the counts
type filterResult struct {
	Message         string `json:"message" jsonschema:"the message to convey"`
	LinksFile       string `json:"linksfile" jsonschema:"the written S3 links file"`
	FilteredTable   string `json:"filteredtable" jsonschema:"the written filtered QC table"`
	NumParticipants int    `json:"numparticipants" jsonschema:"the number of selected participants"`
	NumSessions     int    `json:"numsessions" jsonschema:"the number of selected sessions"`
	NumSeries       int    `json:"numseries" jsonschema:"the number of selected image series"`
}

// infoTool returns the counts of the last filter run as a structured result.
func infoTool(ctx context.Context, req *mcp.CallToolRequest, args *args) (*mcp.CallToolResult, *result, error) {
	var err error
	if input_dir, err = getInputDir(ctx, req.Session); err != nil {
		return nil, nil, err
	}
	records, err := lastFilteredRecords(input_dir)
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("Error, could not load the last filtered table, %v", err)},
			},
		}, &result{Message: "fasttrack2bids prepares NDA ABCD fast track downloads for BIDS conversion"}, nil
	}
	counts := map[string]int{
		"numparticipants": uniqueParticipants(records),
		"numsessions":     uniqueSessions(records),
		"numseries":       len(records),
	}
	jsonContent, err := json.Marshal(counts)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(jsonContent)},
		},
	}, &result{Message: "fasttrack2bids prepares NDA ABCD fast track downloads for BIDS conversion"}, nil
}

// filterTool runs one filter pass over a fast track table.
func filterTool(ctx context.Context, req *mcp.CallToolRequest, args *filterArgs) (*mcp.CallToolResult, *filterResult, error) {
	if args.Table == "" || args.OutputDir == "" {
		return nil, &filterResult{Message: "Error, both the table and the output directory are required."}, nil
	}
	datatypes := args.Datatypes
	if len(datatypes) == 0 {
		datatypes = []string{"all"}
	}
	expanded, err := expandDatatypes(datatypes)
	if err != nil {
		return nil, &filterResult{Message: fmt.Sprintf("Error, %v", err)}, nil
	}

	logger, err := newLogger("WARNING", "prod")
	if err != nil {
		return nil, nil, err
	}
	defer logger.Sync()

	table, err := loadTable(args.Table, logger)
	if err != nil {
		return nil, &filterResult{Message: fmt.Sprintf("Error, could not load the table, %v", err)}, nil
	}
	criteria := SelectionCriteria{
		Datatypes:       expanded,
		RequireComplete: args.RequireComplete,
	}
	for _, subject := range args.Subjects {
		normalized, err := normalizeSubject(subject)
		if err != nil {
			return nil, &filterResult{Message: fmt.Sprintf("Error, %v", err)}, nil
		}
		criteria.Subjects = append(criteria.Subjects, normalized)
	}
	for _, session := range args.Sessions {
		parsed, err := parseSession(session)
		if err != nil {
			return nil, &filterResult{Message: fmt.Sprintf("Error, %v", err)}, nil
		}
		criteria.Sessions = append(criteria.Sessions, parsed)
	}

	records := filterRecords(resolveReplacements(table.Records, logger), criteria)
	suffix := filterSuffix(datatypes, records)
	if err := os.MkdirAll(args.OutputDir, 0755); err != nil {
		return nil, &filterResult{Message: fmt.Sprintf("Error, could not create %s", args.OutputDir)}, nil
	}
	linksFile := filepath.Join(args.OutputDir, fmt.Sprintf("s3_links_%s.txt", suffix))
	if err := writeLinkList(extractLinks(records, logger), linksFile); err != nil {
		return nil, &filterResult{Message: fmt.Sprintf("Error, %v", err)}, nil
	}
	tableFile := filepath.Join(args.OutputDir, fmt.Sprintf("%s_%s.txt", strings.TrimSuffix(filepath.Base(args.Table), filepath.Ext(args.Table)), suffix))
	if err := writeFilteredTable(table, records, tableFile); err != nil {
		return nil, &filterResult{Message: fmt.Sprintf("Error, %v", err)}, nil
	}

	return nil, &filterResult{
		Message:         "Filtered the fast track table",
		LinksFile:       linksFile,
		FilteredTable:   tableFile,
		NumParticipants: uniqueParticipants(records),
		NumSessions:     uniqueSessions(records),
		NumSeries:       len(records),
	}, nil
}

// projectTool reports the project folder the client moved us into and the
// state of its configuration.
func projectTool(ctx context.Context, req *mcp.CallToolRequest, _ any) (*mcp.CallToolResult, any, error) {
	dir, err := getInputDir(ctx, req.Session)
	if err != nil {
		return nil, nil, err
	}
	text := fmt.Sprintf("project folder: %s", dir)
	if config, err := readConfig(filepath.Join(dir, projectDirName, "config")); err == nil {
		text += fmt.Sprintf("\nNDA package: %d\nlast filtered table: %s\nlast links file: %s",
			config.PackageID, config.LastFilterTable, config.LastLinksFile)
	} else {
		text += "\nthe folder has not been initialized yet, run fasttrack2bids init"
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}, nil, nil
}

// setupTool asks the user for the NDA package ID and stores it in the
// project config, so the pipeline tool knows where to download from.
func setupTool(ctx context.Context, req *mcp.CallToolRequest, _ any) (*mcp.CallToolResult, any, error) {
	dir, err := getInputDir(ctx, req.Session)
	if err != nil {
		return nil, nil, err
	}
	config, err := readConfig(filepath.Join(dir, projectDirName, "config"))
	if err != nil {
		return nil, nil, fmt.Errorf("%s is not an initialized project folder", dir)
	}
	res, err := req.Session.Elicit(ctx, &mcp.ElicitParams{
		Message: "provide the NDA package ID holding the fast track data",
		RequestedSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"package_id": {Type: "integer"},
			},
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("eliciting failed: %v", err)
	}
	packageID, err := elicitedPackageID(res.Content["package_id"])
	if err != nil {
		return nil, nil, err
	}
	config.PackageID = packageID
	if err := config.writeConfig(dir); err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("stored NDA package %d in the project config", packageID)},
		},
	}, nil, nil
}

// elicitedPackageID converts an elicited package ID value. Depending on the
// client the number arrives as a JSON float or a string.
func elicitedPackageID(value any) (int, error) {
	switch v := value.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case string:
		id, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("\"%s\" is not an NDA package ID", v)
		}
		return id, nil
	}
	return 0, fmt.Errorf("no package ID was provided")
}

func complete(ctx context.Context, req *mcp.CompleteRequest) (*mcp.CompleteResult, error) {
	var suggestions []string
	switch req.Params.Ref.Type {
	case "ref/prompt":
		suggestions = []string{"workflow"}
	case "ref/resource":
		suggestions = []string{"datatypes", "numparticipants", "numsessions", "numseries"}
	default:
		return nil, fmt.Errorf("unrecognized content type %s", req.Params.Ref.Type)
	}

	return &mcp.CompleteResult{
		Completion: mcp.CompletionResultDetails{
			Total:  len(suggestions),
			Values: suggestions,
		},
	}, nil
}
