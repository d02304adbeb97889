package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/op"
)

// Request is an enqueue request as read from a file, either given to
// "enqueue file" or dropped into the run inbox.
type Request struct {
	Type    op.Type         `json:"type"`
	Payload json.RawMessage `json:"payload"`

	// File, for UploadBlob, names a file whose bytes replace payload.data.
	// Relative paths resolve against the request file's directory.
	File string `json:"file,omitempty"`
}

// readRequest parses the request at path into a payload.
func readRequest(path string) (op.Payload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	p, err := op.DecodePayload(req.Type, req.Payload)
	if err != nil {
		return nil, err
	}

	if req.File != "" {
		blob, ok := p.(op.UploadBlob)
		if !ok {
			return nil, fmt.Errorf("file is only valid for %s requests", op.TypeUploadBlob)
		}
		file := req.File
		if !filepath.IsAbs(file) {
			file = filepath.Join(filepath.Dir(path), file)
		}
		if blob.Data, err = os.ReadFile(file); err != nil {
			return nil, err
		}
		if blob.Filename == "" {
			blob.Filename = filepath.Base(file)
		}
		p = blob
	}
	return p, nil
}

// enqueuePayload routes p to the matching engine enqueue method.
func enqueuePayload(ctx context.Context, eng *engine.Engine, p op.Payload) (op.Operation, error) {
	switch p := p.(type) {
	case op.UpdateEntity:
		return eng.EnqueueEntityUpdate(ctx, p)
	case op.UploadBlob:
		return eng.EnqueueBlobUpload(ctx, p)
	case op.CreateAggregate:
		return eng.EnqueueAggregateCreation(ctx, p)
	default:
		return op.Operation{}, &engine.SyncError{Code: engine.ErrCodeInvalidPayload, Message: fmt.Sprintf("unsupported payload %T", p)}
	}
}

// NewEnqueueCommand creates the enqueue command group.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an operation",
		Long: `Queue an operation for the remote store.

The operation is stored locally and applied by "fieldsync sync" or a
running "fieldsync run". Enqueueing never needs connectivity.`,
	}

	cmd.AddCommand(newEnqueueUpdateCommand(rootOpts))
	cmd.AddCommand(newEnqueueBlobCommand(rootOpts))
	cmd.AddCommand(newEnqueueAggregateCommand(rootOpts))
	cmd.AddCommand(newEnqueueFileCommand(rootOpts))

	return cmd
}

func newEnqueueUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		sets      []string
		fields    string
		ifVersion int64
	)

	cmd := &cobra.Command{
		Use:   "update <collection> <id>",
		Short: "Queue a field update",
		Long: `Queue a field update of an existing remote document.

Values given with --set are parsed as JSON when possible and used as
strings otherwise.

Example:
  fieldsync enqueue update tasks t1 --set status=done --set hours=2.5
  fieldsync enqueue update tasks t1 --fields '{"status":"done"}' --if-version 4`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parseFields(fields, sets)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid fields", err)
			}
			return runEnqueue(rootOpts, cmd, op.UpdateEntity{
				Collection: args[0],
				EntityID:   args[1],
				Fields:     f,
				IfVersion:  ifVersion,
			})
		},
	}

	cmd.Flags().StringArrayVar(&sets, "set", nil, "field=value (repeatable)")
	cmd.Flags().StringVar(&fields, "fields", "", "fields as a JSON object")
	cmd.Flags().Int64Var(&ifVersion, "if-version", 0, "only apply if the remote document is at this version")

	return cmd
}

func newEnqueueBlobCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		field       string
		kind        string
		description string
		contentType string
		lat, lng    float64
	)

	cmd := &cobra.Command{
		Use:   "blob <collection> <id> <file>",
		Short: "Queue a file upload",
		Long: `Queue an upload of a file. Once uploaded, a reference is appended to the
list stored under --field on the target document.

Example:
  fieldsync enqueue blob jobs j1 ./before.jpg --field photos --kind before`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[2])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read file", err)
			}
			if contentType == "" {
				contentType = mime.TypeByExtension(filepath.Ext(args[2]))
			}
			p := op.UploadBlob{
				Collection:  args[0],
				EntityID:    args[1],
				Field:       field,
				Filename:    filepath.Base(args[2]),
				ContentType: contentType,
				Data:        data,
				Kind:        kind,
				Description: description,
			}
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
				p.Location = &op.GeoPoint{Lat: lat, Lng: lng}
			}
			return runEnqueue(rootOpts, cmd, p)
		},
	}

	cmd.Flags().StringVar(&field, "field", "attachments", "document field holding the references")
	cmd.Flags().StringVar(&kind, "kind", "", "capture kind (e.g. before, after, evidence)")
	cmd.Flags().StringVar(&description, "description", "", "free-text description")
	cmd.Flags().StringVar(&contentType, "content-type", "", "MIME type (default: from the file extension)")
	cmd.Flags().Float64Var(&lat, "lat", 0, "capture latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "capture longitude")

	return cmd
}

func newEnqueueAggregateCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		data     string
		parent   string
		children []string
	)

	cmd := &cobra.Command{
		Use:   "aggregate <collection>",
		Short: "Queue a root document with dependent child documents",
		Long: `Queue the creation of a root document and its children as one operation.
Each child receives the root id in its parent_id field.

Example:
  fieldsync enqueue aggregate purchases --parent jobs/j1 \
    --data '{"item":"pipe","qty":3}' \
    --child 'movements={"item":"pipe","delta":-3}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := buildAggregate(args[0], data, parent, children)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid aggregate", err)
			}
			return runEnqueue(rootOpts, cmd, p)
		},
	}

	cmd.Flags().StringVar(&data, "data", "", "root document as a JSON object (required)")
	cmd.Flags().StringVar(&parent, "parent", "", "existing parent document as collection/id")
	cmd.Flags().StringArrayVar(&children, "child", nil, "collection=JSON child document (repeatable)")
	_ = cmd.MarkFlagRequired("data")

	return cmd
}

func newEnqueueFileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "file <request.json>",
		Short: "Queue an operation described by a JSON request file",
		Long: `Queue an operation from a request file, the same format "run --inbox"
ingests:

  {"type": "UpdateEntity", "payload": {"collection": "tasks", "entity_id": "t1", "fields": {"status": "done"}}}
  {"type": "UploadBlob", "file": "before.jpg", "payload": {"collection": "jobs", "entity_id": "j1", "field": "photos"}}`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := readRequest(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid request", err)
			}
			return runEnqueue(rootOpts, cmd, p)
		},
	}
}

func runEnqueue(opts *RootOptions, cmd *cobra.Command, p op.Payload) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	f := newFormatter(opts, cmd)

	e, err := openEnv(ctx, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	o, err := enqueuePayload(ctx, e.engine, p)
	if err != nil {
		return f.fail("enqueue failed", err)
	}
	return f.Success(newOperationView(o, e.engine.Backoff()))
}

// parseFields merges a JSON object with field=value pairs. Pairs win.
func parseFields(jsonFields string, sets []string) (map[string]any, error) {
	fields := make(map[string]any)
	if jsonFields != "" {
		if err := json.Unmarshal([]byte(jsonFields), &fields); err != nil {
			return nil, fmt.Errorf("--fields: %w", err)
		}
	}
	for _, s := range sets {
		k, v, ok := strings.Cut(s, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--set %q: want field=value", s)
		}
		fields[k] = parseValue(v)
	}
	return fields, nil
}

// parseValue returns v decoded as JSON, or v itself if it is not JSON.
func parseValue(v string) any {
	var decoded any
	if err := json.Unmarshal([]byte(v), &decoded); err == nil {
		return decoded
	}
	return v
}

func buildAggregate(collection, data, parent string, children []string) (op.CreateAggregate, error) {
	p := op.CreateAggregate{Collection: collection}
	if err := json.Unmarshal([]byte(data), &p.Data); err != nil {
		return op.CreateAggregate{}, fmt.Errorf("--data: %w", err)
	}
	if parent != "" {
		coll, id, ok := strings.Cut(parent, "/")
		if !ok || coll == "" || id == "" {
			return op.CreateAggregate{}, fmt.Errorf("--parent %q: want collection/id", parent)
		}
		p.Parent = &op.EntityRef{Collection: coll, ID: id}
	}
	for _, c := range children {
		coll, raw, ok := strings.Cut(c, "=")
		if !ok || coll == "" {
			return op.CreateAggregate{}, fmt.Errorf("--child %q: want collection=JSON", c)
		}
		child := op.ChildWrite{Collection: coll}
		if err := json.Unmarshal([]byte(raw), &child.Data); err != nil {
			return op.CreateAggregate{}, fmt.Errorf("--child %s: %w", coll, err)
		}
		p.Children = append(p.Children, child)
	}
	return p, nil
}
