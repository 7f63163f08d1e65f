package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/CARMIN-org/CARMIN-server/pkg/config"
	"github.com/CARMIN-org/CARMIN-server/pkg/descriptor"
	"github.com/CARMIN-org/CARMIN-server/pkg/identity"
	"github.com/CARMIN-org/CARMIN-server/pkg/policy"
	"github.com/CARMIN-org/CARMIN-server/pkg/procs"
	"github.com/CARMIN-org/CARMIN-server/pkg/sandbox"
	"github.com/CARMIN-org/CARMIN-server/pkg/stores"
	"github.com/CARMIN-org/CARMIN-server/pkg/telemetry"
)

// systemActor is the audit actor of transitions no user requested.
const systemActor = "system"

// Options wires the collaborators of a Service. Platform, Store, Sandbox,
// Catalog and Registry are required. A nil Policy loads the module named
// by the platform properties.
type Options struct {
	Platform   *config.Platform
	Store      stores.Store
	Sandbox    *sandbox.Manager
	Catalog    PipelineCatalog
	Registry   *descriptor.Registry
	Terminator ProcessTerminator
	AliveCount AliveCounter
	Policy     AccessPolicy
	Telemetry  *telemetry.Telemetry
}

// Service is the execution facade. It validates and records requests
// synchronously and hands supervision to a bounded worker pool.
type Service struct {
	platform   *config.Platform
	store      stores.Store
	sandbox    *sandbox.Manager
	catalog    PipelineCatalog
	registry   *descriptor.Registry
	terminator ProcessTerminator
	aliveCount AliveCounter
	policy     AccessPolicy
	telemetry  *telemetry.Telemetry
	logger     *telemetry.Logger
	pool       *Pool

	// active holds the identifiers supervised by this process.
	active sync.Map

	pid int
	now func() time.Time
}

// NewService creates the facade and starts its worker pool.
func NewService(opts Options) (*Service, error) {
	switch {
	case opts.Platform == nil:
		return nil, errors.New("platform configuration is required")
	case opts.Store == nil:
		return nil, errors.New("execution store is required")
	case opts.Sandbox == nil:
		return nil, errors.New("sandbox manager is required")
	case opts.Catalog == nil:
		return nil, errors.New("pipeline catalog is required")
	case opts.Registry == nil:
		return nil, errors.New("descriptor registry is required")
	}

	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNopTelemetry()
	}
	logger := tel.Logger.NewComponentLogger("engine")

	terminator := opts.Terminator
	if terminator == nil {
		terminator = procs.NewTerminator(opts.Platform.KillGrace, tel.Logger)
	}
	aliveCount := opts.AliveCount
	if aliveCount == nil {
		aliveCount = procs.AliveCount
	}
	access := opts.Policy
	if access == nil {
		loaded, err := policy.Load(context.Background(), opts.Platform.AccessPolicyPath, tel.Logger)
		if err != nil {
			return nil, err
		}
		access = loaded
	}

	s := &Service{
		platform:   opts.Platform,
		store:      opts.Store,
		sandbox:    opts.Sandbox,
		catalog:    opts.Catalog,
		registry:   opts.Registry,
		terminator: terminator,
		aliveCount: aliveCount,
		policy:     access,
		telemetry:  tel,
		logger:     logger,
		pid:        os.Getpid(),
		now:        time.Now,
	}
	s.pool = NewPool(tel.WithContext(context.Background()), opts.Platform.Workers, func(queued int) {
		tel.Metrics.SetQueuedExecutions(float64(queued))
	})
	return s, nil
}

// Drain waits for every queued and running supervision to finish. The
// service accepts no new plays afterwards.
func (s *Service) Drain(ctx context.Context) error {
	return s.pool.Drain(ctx)
}

// CreateExecution validates req, allocates the execution directory, writes
// the inputs and a descriptor snapshot, and records the execution as
// Initializing. Any failure leaves no directory behind.
func (s *Service) CreateExecution(ctx context.Context, user identity.User, req CreateRequest) (exec *stores.Execution, err error) {
	ctx, span, logger := s.begin(ctx, "create", "")
	defer span.End()
	defer func() { err = s.finish(span, logger, "create", "", err) }()

	if req.Identifier != "" {
		return nil, NewValidationError(CodeExecutionIdentifierMustNotBeSet, nil)
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, NewValidationError(CodeInvalidModelProvided, nil, "'name' is required")
	}
	if req.PipelineIdentifier == "" {
		return nil, NewValidationError(CodeInvalidModelProvided, nil, "'pipelineIdentifier' is required")
	}

	entry, err := s.catalog.Lookup(req.PipelineIdentifier)
	if err != nil {
		return nil, NewValidationError(CodeInvalidPipelineIdentifier, err).WithResource(req.PipelineIdentifier)
	}
	if err := s.platform.CheckTimeout(req.Timeout); err != nil {
		return nil, NewValidationError(CodeInvalidExecutionTimeout, err, err.Error())
	}

	values := req.InputValues
	if values == nil {
		values = map[string]any{}
	}
	missing, err := s.sandbox.MissingInputFile(values, entry.Pipeline)
	if err != nil {
		if errors.Is(err, sandbox.ErrUnauthorized) {
			return nil, NewUnauthorizedError(err)
		}
		return nil, NewResourceError(err)
	}
	if missing != "" {
		return nil, NewValidationError(CodeInvalidInputFile, nil, missing)
	}

	id := uuid.NewString()
	logger = logger.WithExecutionID(id).WithUser(user.Username)
	telemetry.SetAttributes(span,
		telemetry.AttrExecutionID.String(id),
		telemetry.AttrPipelineID.String(req.PipelineIdentifier),
		telemetry.AttrUser.String(user.Username),
	)

	if _, _, err := s.sandbox.CreateExecutionDirectory(user.Username, id); err != nil {
		switch {
		case errors.Is(err, sandbox.ErrUnauthorized):
			return nil, NewUnauthorizedError(err)
		case errors.Is(err, sandbox.ErrDirectoryExists):
			return nil, newError(ErrorClassResource, CodePathExists, err)
		default:
			return nil, NewResourceError(err)
		}
	}
	cleanup := func() {
		if rmErr := s.sandbox.DeleteExecutionDirectory(user.Username, id); rmErr != nil {
			logger.WithError(rmErr).Warn("failed to remove directory of rejected execution")
		}
	}

	if err := s.sandbox.WriteInputsFile(user.Username, id, values); err != nil {
		cleanup()
		return nil, NewResourceError(err)
	}

	desc, err := s.registry.FromType(string(entry.Kind))
	if err != nil {
		cleanup()
		return nil, NewValidationError(CodeUnsupportedDescriptorType, err, entry.Kind)
	}

	if err := s.sandbox.CopyDescriptorIntoExecutionDir(user.Username, id, entry.DescriptorPath, entry.CanonicalPath); err != nil {
		cleanup()
		return nil, NewResourceError(err)
	}

	now := s.now()
	exec = &stores.Execution{
		Identifier:         id,
		Name:               req.Name,
		PipelineIdentifier: req.PipelineIdentifier,
		DescriptorType:     string(desc.Kind()),
		Timeout:            req.Timeout,
		StudyIdentifier:    req.StudyIdentifier,
		CreatorUsername:    user.Username,
		Status:             stores.StatusInitializing,
		CreatedAt:          now,
		LastUpdate:         now,
	}
	if err := s.store.CreateExecution(ctx, exec); err != nil {
		cleanup()
		return nil, NewResourceError(err)
	}

	s.audit(ctx, id, "create", user.Username, req.PipelineIdentifier)
	s.telemetry.Metrics.RecordExecutionCreated(exec.DescriptorType)
	logger.Info("execution created")
	return exec, nil
}

// PlayExecution validates the invocation of an Initializing execution and
// queues it for supervision. An invalid invocation moves it to
// InitializationFailed. The execution is Running with its supervisor row
// recorded when PlayExecution returns nil.
func (s *Service) PlayExecution(ctx context.Context, user identity.User, id string) (err error) {
	ctx, span, logger := s.begin(ctx, "play", id)
	defer span.End()
	defer func() { err = s.finish(span, logger, "play", id, err) }()

	exec, err := s.load(ctx, user, id, policy.ActionPlay)
	if err != nil {
		return err
	}
	if exec.Status != stores.StatusInitializing {
		return NewStateConflictError(CodeCannotReplayExecution, nil, exec.Status)
	}

	desc, err := s.registry.FromType(exec.DescriptorType)
	if err != nil {
		return NewValidationError(CodeUnsupportedDescriptorType, err, exec.DescriptorType)
	}

	owner := exec.CreatorUsername
	values, err := s.sandbox.LoadInputs(owner, id)
	if err != nil {
		return NewResourceError(err)
	}
	pipeline, err := descriptor.LoadPipeline(s.sandbox.MetadataFile(owner, id, sandbox.PipelineFilename))
	if err != nil {
		return NewResourceError(err)
	}
	inputsPath, err := s.sandbox.WriteAbsolutePathInputs(owner, id, values, pipeline)
	if err != nil {
		if errors.Is(err, sandbox.ErrUnauthorized) {
			return NewUnauthorizedError(err)
		}
		return NewResourceError(err)
	}
	descriptorPath := s.sandbox.MetadataFile(owner, id, sandbox.DescriptorFilename)

	vctx, vspan := s.telemetry.Tracer.StartDescriptorSpan(ctx, exec.DescriptorType, "validate")
	ok, detail, err := desc.Validate(vctx, descriptorPath, inputsPath)
	vspan.End()
	if err != nil {
		s.removeInputs(owner, id, logger)
		return NewResourceError(err)
	}

	if !ok {
		s.removeInputs(owner, id, logger)
		if err := s.store.TransitionStatus(ctx, id, stores.StatusInitializing, stores.StatusInitializationFailed); err != nil {
			if errors.Is(err, stores.ErrPreconditionFailed) {
				return NewStateConflictError(CodeCannotReplayExecution, err, s.currentStatus(ctx, id))
			}
			return NewResourceError(err)
		}
		telemetry.AddStatusEvent(span, string(stores.StatusInitializing), string(stores.StatusInitializationFailed))
		s.audit(ctx, id, "initialization_failed", user.Username, detail)
		logger.WithField("detail", detail).Info("invalid invocation")
		return NewValidationError(CodeInvalidInvocation, nil, detail)
	}

	// Registered before the supervisor row exists so a concurrent sweep
	// never judges this process's own row.
	s.active.Store(id, struct{}{})
	if err := s.store.StartExecution(ctx, id, s.pid, s.nowMillis()); err != nil {
		s.active.Delete(id)
		s.removeInputs(owner, id, logger)
		if errors.Is(err, stores.ErrPreconditionFailed) {
			return NewStateConflictError(CodeCannotReplayExecution, err, s.currentStatus(ctx, id))
		}
		return NewResourceError(err)
	}
	exec.Status = stores.StatusRunning
	telemetry.AddStatusEvent(span, string(stores.StatusInitializing), string(stores.StatusRunning))
	s.telemetry.Metrics.RecordExecutionStarted(exec.DescriptorType)
	s.audit(ctx, id, "play", user.Username, "")

	job := &supervision{
		execution:      exec,
		username:       owner,
		descriptor:     desc,
		descriptorPath: descriptorPath,
		inputsPath:     inputsPath,
	}
	if err := s.pool.Submit(func(ctx context.Context) { s.supervise(ctx, job) }); err != nil {
		s.finalize(ctx, job, stores.StatusExecutionFailed, s.now(), logger, span)
		return NewResourceError(err)
	}

	logger.Info("execution queued for supervision")
	return nil
}

// GetExecution returns an execution visible to user.
func (s *Service) GetExecution(ctx context.Context, user identity.User, id string) (exec *stores.Execution, err error) {
	ctx, span, logger := s.begin(ctx, "get", id)
	defer span.End()
	defer func() { err = s.finish(span, logger, "get", id, err) }()

	return s.load(ctx, user, id, policy.ActionRead)
}

// ListExecutions pages through the executions created by user, newest
// first. A nil limit uses the platform default; zero means no limit.
func (s *Service) ListExecutions(ctx context.Context, user identity.User, opts ListOptions) (execs []*stores.Execution, err error) {
	ctx, span, logger := s.begin(ctx, "list", "")
	defer span.End()
	defer func() { err = s.finish(span, logger, "list", "", err) }()

	offset := 0
	if opts.Offset != nil {
		if *opts.Offset < 0 {
			return nil, NewValidationError(CodeInvalidQueryParameter, nil, strconv.Itoa(*opts.Offset), "offset")
		}
		offset = *opts.Offset
	}

	limit := s.platform.DefaultLimitListExecutions
	if opts.Limit != nil {
		if *opts.Limit < 0 {
			return nil, NewValidationError(CodeInvalidQueryParameter, nil, strconv.Itoa(*opts.Limit), "limit")
		}
		limit = *opts.Limit
	}
	if limit == 0 {
		limit = -1
	}

	execs, err = s.store.ListExecutionsByCreator(ctx, user.Username, limit, offset)
	if err != nil {
		return nil, NewResourceError(err)
	}
	return execs, nil
}

// CountExecutions returns the number of executions created by user.
func (s *Service) CountExecutions(ctx context.Context, user identity.User) (count int, err error) {
	ctx, span, logger := s.begin(ctx, "count", "")
	defer span.End()
	defer func() { err = s.finish(span, logger, "count", "", err) }()

	count, err = s.store.CountExecutionsByCreator(ctx, user.Username)
	if err != nil {
		return 0, NewResourceError(err)
	}
	return count, nil
}

// UpdateExecution edits the name or timeout of an execution that has not
// started. Identifier and status edits are always rejected.
func (s *Service) UpdateExecution(ctx context.Context, user identity.User, id string, req UpdateRequest) (err error) {
	ctx, span, logger := s.begin(ctx, "update", id)
	defer span.End()
	defer func() { err = s.finish(span, logger, "update", id, err) }()

	if req.Identifier != nil {
		return NewStateConflictError(CodeCannotModifyParameter, nil, "identifier")
	}
	if req.Status != nil {
		return NewStateConflictError(CodeCannotModifyParameter, nil, "status")
	}

	exec, err := s.load(ctx, user, id, policy.ActionUpdate)
	if err != nil {
		return err
	}
	if req.Name == nil && req.Timeout == nil {
		return nil
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return NewValidationError(CodeInvalidModelProvided, nil, "'name' must not be blank")
	}
	if err := s.platform.CheckTimeout(req.Timeout); err != nil {
		return NewValidationError(CodeInvalidExecutionTimeout, err, err.Error())
	}
	if exec.Status != stores.StatusInitializing {
		return NewStateConflictError(CodeCannotModifyParameter, nil, updatedField(req))
	}

	if err := s.store.UpdateExecution(ctx, id, req.Name, req.Timeout); err != nil {
		if errors.Is(err, stores.ErrPreconditionFailed) {
			return NewStateConflictError(CodeCannotModifyParameter, err, updatedField(req))
		}
		if errors.Is(err, stores.ErrNotFound) {
			return NewNotFoundError(CodeExecutionNotFound, err, id)
		}
		return NewResourceError(err)
	}

	s.audit(ctx, id, "update", user.Username, updatedField(req))
	return nil
}

func updatedField(req UpdateRequest) string {
	if req.Name != nil {
		return "name"
	}
	return "timeout"
}

// GetExecutionResults lists the output files of a completed execution.
func (s *Service) GetExecutionResults(ctx context.Context, user identity.User, id string) (paths []Path, err error) {
	ctx, span, logger := s.begin(ctx, "results", id)
	defer span.End()
	defer func() { err = s.finish(span, logger, "results", id, err) }()

	exec, err := s.load(ctx, user, id, policy.ActionRead)
	if err != nil {
		return nil, err
	}
	if !IsCompleted(exec.Status) {
		return nil, NewStateConflictError(CodeCannotGetResultNotCompletedExecution, nil, exec.Status).
			WithDetail("status", string(exec.Status))
	}

	files, err := s.sandbox.OutputFiles(exec.CreatorUsername, id)
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return nil, NewNotFoundError(CodePathDoesNotExist, err)
		}
		return nil, NewResourceError(err)
	}

	paths = make([]Path, 0, len(files))
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			return nil, NewResourceError(err)
		}
		url, err := s.sandbox.PlatformURL(f)
		if err != nil {
			return nil, NewResourceError(err)
		}
		paths = append(paths, Path{
			PlatformPath:         url,
			LastModificationDate: info.ModTime().Unix(),
			IsDirectory:          info.IsDir(),
			Size:                 info.Size(),
		})
	}
	return paths, nil
}

// GetExecutionStdout returns the captured standard output.
func (s *Service) GetExecutionStdout(ctx context.Context, user identity.User, id string) ([]byte, error) {
	return s.readStdFile(ctx, user, id, "stdout", sandbox.StdoutFilename)
}

// GetExecutionStderr returns the captured standard error.
func (s *Service) GetExecutionStderr(ctx context.Context, user identity.User, id string) ([]byte, error) {
	return s.readStdFile(ctx, user, id, "stderr", sandbox.StderrFilename)
}

func (s *Service) readStdFile(ctx context.Context, user identity.User, id, op, name string) (data []byte, err error) {
	ctx, span, logger := s.begin(ctx, op, id)
	defer span.End()
	defer func() { err = s.finish(span, logger, op, id, err) }()

	exec, err := s.load(ctx, user, id, policy.ActionRead)
	if err != nil {
		return nil, err
	}
	data, err = s.sandbox.ReadStdFile(exec.CreatorUsername, id, name)
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) {
			return nil, NewNotFoundError(CodePathDoesNotExist, err)
		}
		return nil, NewResourceError(err)
	}
	return data, nil
}

// GetExecutionAudit returns the lifecycle trail of an execution.
func (s *Service) GetExecutionAudit(ctx context.Context, user identity.User, id string) (entries []*stores.AuditEntry, err error) {
	ctx, span, logger := s.begin(ctx, "audit", id)
	defer span.End()
	defer func() { err = s.finish(span, logger, "audit", id, err) }()

	if _, err := s.load(ctx, user, id, policy.ActionRead); err != nil {
		return nil, err
	}
	entries, err = s.store.ListAudit(ctx, id, 0)
	if err != nil {
		return nil, NewResourceError(err)
	}
	return entries, nil
}

// load fetches an execution and checks that the access policy lets user
// perform action on it.
func (s *Service) load(ctx context.Context, user identity.User, id string, action policy.Action) (*stores.Execution, error) {
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, NewNotFoundError(CodeExecutionNotFound, err, id)
		}
		return nil, NewResourceError(err)
	}

	allowed, err := s.policy.Allowed(ctx, policy.Input{User: user, Action: action, Owner: exec.CreatorUsername})
	if err != nil {
		return nil, NewResourceError(err)
	}
	if !allowed {
		return nil, NewUnauthorizedError(fmt.Errorf("user %q may not %s execution %s", user.Username, action, id))
	}
	return exec, nil
}

func (s *Service) currentStatus(ctx context.Context, id string) stores.ExecutionStatus {
	exec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return stores.StatusUnknown
	}
	return exec.Status
}

func (s *Service) removeInputs(username, id string, logger *telemetry.Logger) {
	if err := s.sandbox.RemoveAbsolutePathInputs(username, id); err != nil {
		logger.WithError(err).Warn("failed to remove absolute inputs")
	}
}

func (s *Service) audit(ctx context.Context, id, action, actor, detail string) {
	entry := &stores.AuditEntry{
		ExecutionIdentifier: id,
		Action:              action,
		Actor:               actor,
		Detail:              detail,
		CreatedAt:           s.now(),
	}
	if err := s.store.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.WithExecutionID(id).WithError(err).Warn("failed to append audit entry")
	}
}

func (s *Service) nowMillis() int64 {
	return s.now().UnixMilli()
}

func (s *Service) begin(ctx context.Context, op, id string) (context.Context, trace.Span, *telemetry.Logger) {
	var attrs []attribute.KeyValue
	if id != "" {
		attrs = append(attrs, telemetry.AttrExecutionID.String(id))
	}
	ctx, span, logger := s.telemetry.StartOperation(ctx, "execution."+op, attrs...)
	logger = logger.NewComponentLogger("engine")
	if id != "" {
		logger = logger.WithExecutionID(id)
	}
	return logger.WithContext(ctx), span, logger
}

// finish classifies err, records it on the span and in metrics, and logs
// resource failures in full. Callers receive the classified error.
func (s *Service) finish(span trace.Span, logger *telemetry.Logger, op, id string, err error) error {
	if err == nil {
		telemetry.RecordSuccess(span)
		return nil
	}

	var engineErr *EngineError
	if !errors.As(err, &engineErr) {
		engineErr = NewResourceError(err)
	}
	engineErr.WithOperation(op)
	if id != "" && engineErr.Resource == "" {
		engineErr.WithResource(id)
	}

	telemetry.RecordError(span, engineErr)
	telemetry.SetAttributes(span,
		telemetry.AttrErrorClass.String(string(engineErr.Class)),
		telemetry.AttrErrorCode.Int(int(engineErr.Code)),
	)
	s.telemetry.Metrics.RecordError(string(engineErr.Class), strconv.Itoa(int(engineErr.Code)))

	if len(engineErr.Details) > 0 {
		logger = logger.WithFields(engineErr.Details)
	}
	if engineErr.Class == ErrorClassResource {
		logger.WithError(engineErr).Error("operation failed")
	} else {
		logger.WithError(engineErr).Debug("operation rejected")
	}
	return engineErr
}
