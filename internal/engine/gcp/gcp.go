// Package gcp implements the engine.Engine interface using Google Cloud
// Compute Engine to run ephemeral GitHub Actions runners as VMs.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	"github.com/google/uuid"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	"github.com/vdiazroa/auto-scaling-gh-runners/internal/engine"
	"github.com/vdiazroa/auto-scaling-gh-runners/internal/scope"
)

// Config holds GCP-specific engine settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where runner VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// Image is the full self-link or family URL of the runner image (required).
	// Examples:
	//   "projects/my-project/global/images/gh-runner-1234567890"
	//   "projects/my-project/global/images/family/gh-runner"
	Image string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional).  If empty, the default subnet
	// for the zone is used.
	Subnet string

	// PublicIP controls whether runner VMs get an external IP.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).  If empty, the project's default compute
	// service account is used.
	ServiceAccount string
}

// operationWaiter is satisfied by *compute.Operation.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of the instances client the engine uses.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error)
	Close() error
}

// imagesAPI is satisfied by *compute.ImagesClient.
type imagesAPI interface {
	Get(ctx context.Context, req *computepb.GetImageRequest, opts ...gax.CallOption) (*computepb.Image, error)
	GetFromFamily(ctx context.Context, req *computepb.GetFromFamilyImageRequest, opts ...gax.CallOption) (*computepb.Image, error)
	Close() error
}

// Engine manages GitHub Actions runners as GCP Compute Engine VMs.
type Engine struct {
	instances instancesAPI
	images    imagesAPI
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a GCP engine using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	images, err := compute.NewImagesRESTClient(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("gcp images client: %w", err)
	}

	e := newEngine(&restInstances{client: client}, images, cfg, logger)

	logger.Info("gcp engine initialized",
		slog.String("project", e.cfg.Project),
		slog.String("zone", e.cfg.Zone),
		slog.String("machine_type", e.cfg.MachineType),
		slog.String("image", e.cfg.Image),
	)

	return e, nil
}

func newEngine(instances instancesAPI, images imagesAPI, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	return &Engine{
		instances: instances,
		images:    images,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("ghrunners/engine/gcp"),
	}
}

// StartRunner creates a VM named "<prefix>-<12 hex>" that runs a GitHub
// Actions runner.  The runner environment is passed as instance
// metadata so the startup script can read it.
func (e *Engine) StartRunner(ctx context.Context, spec engine.RunnerSpec) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.StartRunner")
	defer span.End()

	name := spec.Prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:scope.SuffixLen]

	span.SetAttributes(
		attribute.String("runner.name", name),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
		attribute.String("gcp.machine_type", e.cfg.MachineType),
	)

	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", e.cfg.Zone, e.cfg.MachineType)

	// Boot disk from the pre-built runner image.
	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(e.cfg.Image),
			DiskSizeGb:  proto.Int64(e.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", e.cfg.Zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", e.cfg.Network)),
	}
	if e.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(e.cfg.Subnet)
	}
	if e.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	metadata := &computepb.Metadata{}
	for _, k := range slices.Sorted(maps.Keys(spec.Env)) {
		metadata.Items = append(metadata.Items, &computepb.Items{
			Key:   proto.String(k),
			Value: proto.String(spec.Env[k]),
		})
	}

	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[labelValue(k)] = labelValue(v)
	}

	instance := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          metadata,
		Labels:            labels,
	}

	if e.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(e.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	e.logger.Info("creating runner VM",
		slog.String("name", name),
		slog.String("machine_type", e.cfg.MachineType),
		slog.String("zone", e.cfg.Zone),
	)

	op, err := e.instances.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          e.cfg.Project,
		Zone:             e.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		return "", fmt.Errorf("insert instance %s: %w", name, err)
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		// The VM may exist in a half-created state.
		if derr := e.DeleteRunner(context.WithoutCancel(ctx), name); derr != nil {
			e.logger.Warn("failed to clean up runner VM",
				slog.String("name", name),
				slog.String("error", derr.Error()),
			)
		}
		return "", fmt.Errorf("waiting for instance %s: %w", name, err)
	}

	e.logger.Info("runner VM started",
		slog.String("name", name),
		slog.String("zone", e.cfg.Zone),
	)

	return name, nil
}

// StopRunner stops the VM.  A VM that no longer exists is not an error.
func (e *Engine) StopRunner(ctx context.Context, name string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.StopRunner")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.instance_name", name))

	op, err := e.instances.Stop(ctx, &computepb.StopInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: name,
	})
	if err == nil {
		err = op.Wait(ctx)
	}
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("stop instance %s: %w", name, err)
	}
	return nil
}

// DeleteRunner permanently deletes the VM.
// It is idempotent -- deleting an already-deleted VM is not an error.
func (e *Engine) DeleteRunner(ctx context.Context, name string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.DeleteRunner")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.instance_name", name))

	e.logger.Info("destroying runner VM", slog.String("name", name))

	op, err := e.instances.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: name,
	})
	if err == nil {
		// 404 during wait is a race between delete and check.
		err = op.Wait(ctx)
	}
	if err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted (idempotent)")
			e.logger.Info("runner VM already deleted", slog.String("name", name))
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", name, err)
	}

	e.logger.Info("runner VM destroyed", slog.String("name", name))
	return nil
}

// ListRunners lists the zone's VMs whose name starts with prefix.
func (e *Engine) ListRunners(ctx context.Context, prefix string) ([]engine.Runner, error) {
	instances, err := e.instances.List(ctx, &computepb.ListInstancesRequest{
		Project: e.cfg.Project,
		Zone:    e.cfg.Zone,
		Filter:  proto.String(fmt.Sprintf("name eq %s.*", prefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("list instances %s: %w", prefix, err)
	}

	runners := make([]engine.Runner, 0, len(instances))
	for _, inst := range instances {
		if !strings.HasPrefix(inst.GetName(), prefix) {
			continue
		}
		created, _ := time.Parse(time.RFC3339, inst.GetCreationTimestamp())
		runners = append(runners, engine.Runner{
			Name:    inst.GetName(),
			ID:      fmt.Sprint(inst.GetId()),
			Running: isLive(inst.GetStatus()),
			Created: created,
		})
	}
	return runners, nil
}

// ImageAvailable reports whether the configured image (or image family)
// resolves.
func (e *Engine) ImageAvailable(ctx context.Context) (bool, error) {
	project, image, family := parseImage(e.cfg.Image, e.cfg.Project)

	var err error
	if family != "" {
		_, err = e.images.GetFromFamily(ctx, &computepb.GetFromFamilyImageRequest{
			Project: project,
			Family:  family,
		})
	} else {
		_, err = e.images.Get(ctx, &computepb.GetImageRequest{
			Project: project,
			Image:   image,
		})
	}
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get image %s: %w", e.cfg.Image, err)
	}
	return true, nil
}

// Close closes the API clients.
func (e *Engine) Close() error {
	return errors.Join(e.instances.Close(), e.images.Close())
}

// isLive reports whether a VM in this status still occupies a runner slot.
func isLive(status string) bool {
	switch status {
	case "PROVISIONING", "STAGING", "RUNNING":
		return true
	default:
		return false
	}
}

// parseImage splits an image reference into project and either an image
// name or a family name.  References without a project use fallback.
func parseImage(ref, fallbackProject string) (project, image, family string) {
	if i := strings.Index(ref, "projects/"); i >= 0 {
		ref = ref[i:]
	}
	parts := strings.Split(ref, "/")
	// projects/<p>/global/images/family/<f> or projects/<p>/global/images/<i>
	if len(parts) >= 5 && parts[0] == "projects" && parts[2] == "global" && parts[3] == "images" {
		if parts[4] == "family" && len(parts) == 6 {
			return parts[1], "", parts[5]
		}
		return parts[1], parts[4], ""
	}
	return fallbackProject, parts[len(parts)-1], ""
}

// labelValue folds a string into the character set GCP allows for label
// keys and values.
func labelValue(v string) string {
	v = strings.ToLower(v)
	b := []byte(v)
	for i, c := range b {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			b[i] = '_'
		}
	}
	if len(b) > 63 {
		b = b[:63]
	}
	return string(b)
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		return true
	}
	// Some wrapping layers only keep the message: googleapi formats as
	// "googleapi: Error 404: ...", gRPC status as "code = NotFound".
	msg := err.Error()
	for _, pattern := range []string{"Error 404", "code = NotFound", "notFound"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// restInstances adapts *compute.InstancesClient to instancesAPI.
type restInstances struct {
	client *compute.InstancesClient
}

func (r *restInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	op, err := r.client.Insert(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r *restInstances) Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error) {
	op, err := r.client.Stop(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r *restInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	op, err := r.client.Delete(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r *restInstances) List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error) {
	var out []*computepb.Instance
	it := r.client.List(ctx, req)
	for {
		inst, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
}

func (r *restInstances) Close() error {
	return r.client.Close()
}
