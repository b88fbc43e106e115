// Package ebs implements the Reference Backend (§4.2): an EBS-style
// cloud block-storage backend using aws-sdk-go-v2. It creates tagged
// volumes, attaches them to this instance, waits for the new device node
// by diffing the device set before/after attach, and resolves device
// paths from the attachment's reported device name. It does no
// filesystem work; the convergence loop probes, formats and mounts.
//
// Grounded on aws-sdk-go-v2/service/ec2 usage conventions observed in
// the corpus's openshift-hypershift repo (config.LoadDefaultConfig,
// ec2.NewFromConfig, typed Input/Output structs, aws.String/ToString).
package ebs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/clusterhq/flocker/pkg/backend"
	"github.com/clusterhq/flocker/pkg/log"
	"github.com/clusterhq/flocker/pkg/metrics"
	"github.com/clusterhq/flocker/pkg/types"
)

func init() {
	backend.Register("ebs", func(options map[string]interface{}) (backend.BlockDeviceAPI, error) {
		clusterID, _ := options["cluster-id"].(string)
		if clusterID == "" {
			return nil, fmt.Errorf("ebs backend: option \"cluster-id\" is required")
		}
		instanceID, _ := options["instance-id"].(string)

		cfg, err := config.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, fmt.Errorf("ebs backend: load AWS config: %w", err)
		}
		return New(ec2.NewFromConfig(cfg), clusterID, instanceID), nil
	})
}

const (
	clusterTagKey = "flocker-cluster-id"
	datasetTagKey = "dataset-id"

	// attachPollInterval/attachPollTimeout bound the §4.2 "retry-and-
	// rescan window of <= 60s" for device-path discovery after attach.
	attachPollInterval = 2 * time.Second
	attachPollTimeout  = 60 * time.Second

	devicesDir = "/dev"
)

// Backend is the EBS-style Reference Backend.
type Backend struct {
	client     *ec2.Client
	clusterID  string
	instanceID string // compute_instance_id, from the "instance-id" option
}

// New constructs an EBS-backed BlockDeviceAPI. instanceID may be empty,
// in which case ComputeInstanceID returns an error; it is not looked up
// from EC2 instance metadata.
func New(client *ec2.Client, clusterID, instanceID string) *Backend {
	return &Backend{client: client, clusterID: clusterID, instanceID: instanceID}
}

func (b *Backend) AllocationUnit() int64 { return 1 << 30 } // 1 GiB, EBS's own granularity

func (b *Backend) ComputeInstanceID(ctx context.Context) (string, error) {
	if b.instanceID != "" {
		return b.instanceID, nil
	}
	// IMDS resolution is out of scope for this reference implementation;
	// agent.yml's dataset.instance-id option is expected to supply it in
	// deployments where IMDSv2 access isn't already wired some other way.
	return "", fmt.Errorf("ebs backend: instance-id not configured")
}

func (b *Backend) CreateVolume(ctx context.Context, datasetID string, size int64) (types.BlockDeviceVolume, error) {
	logger := log.WithComponent("backend.ebs").With().Str("dataset_id", datasetID).Logger()
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BackendCallDuration, "create_volume")

	existing, err := b.findVolumeByDataset(ctx, datasetID)
	if err != nil {
		return types.BlockDeviceVolume{}, err
	}
	if existing != nil {
		logger.Debug().Msg("create_volume: dataset already has a volume, returning existing (idempotent)")
		return *existing, nil
	}

	gib := size / b.AllocationUnit()
	if size%b.AllocationUnit() != 0 {
		gib++
	}
	if gib < 1 {
		gib = 1
	}

	out, err := b.client.CreateVolume(ctx, &ec2.CreateVolumeInput{
		AvailabilityZone: awsconfig.String(""), // resolved by the SDK's region default
		Size:             awsconfig.Int32(int32(gib)),
		VolumeType:       ec2types.VolumeTypeGp3,
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeVolume,
			Tags: []ec2types.Tag{
				{Key: awsconfig.String(clusterTagKey), Value: awsconfig.String(b.clusterID)},
				{Key: awsconfig.String(datasetTagKey), Value: awsconfig.String(datasetID)},
			},
		}},
	})
	if err != nil {
		metrics.BackendErrorsTotal.WithLabelValues("create_volume", "transient_backend").Inc()
		return types.BlockDeviceVolume{}, fmt.Errorf("ebs create_volume: %w", err)
	}

	volumeID := awsconfig.ToString(out.VolumeId)
	if err := b.waitForVolumeState(ctx, volumeID, ec2types.VolumeStateAvailable); err != nil {
		return types.BlockDeviceVolume{}, err
	}

	logger.Info().Str("blockdevice_id", volumeID).Msg("created volume")
	return types.BlockDeviceVolume{BlockDeviceID: volumeID, Size: gib * b.AllocationUnit(), DatasetID: datasetID}, nil
}

func (b *Backend) DestroyVolume(ctx context.Context, blockDeviceID string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BackendCallDuration, "destroy_volume")

	_, err := b.client.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: awsconfig.String(blockDeviceID)})
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return nil // idempotent: already gone
	}
	if isVolumeInUse(err) {
		return backend.ErrVolumeInUse
	}
	metrics.BackendErrorsTotal.WithLabelValues("destroy_volume", "permanent_backend").Inc()
	return fmt.Errorf("ebs destroy_volume: %w", err)
}

func (b *Backend) AttachVolume(ctx context.Context, blockDeviceID, instanceID string) (types.BlockDeviceVolume, error) {
	logger := log.WithComponent("backend.ebs").With().Str("blockdevice_id", blockDeviceID).Logger()
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BackendCallDuration, "attach_volume")

	before, err := listDeviceNodes()
	if err != nil {
		return types.BlockDeviceVolume{}, fmt.Errorf("ebs attach_volume: list device nodes before attach: %w", err)
	}

	_, err = b.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		VolumeId:   awsconfig.String(blockDeviceID),
		InstanceId: awsconfig.String(instanceID),
		Device:     awsconfig.String("/dev/xvdf"),
	})
	if err != nil && !isAlreadyAttachedToSelf(err) {
		if isAlreadyAttachedElsewhere(err) {
			return types.BlockDeviceVolume{}, backend.ErrAlreadyAttached
		}
		metrics.BackendErrorsTotal.WithLabelValues("attach_volume", "transient_backend").Inc()
		return types.BlockDeviceVolume{}, fmt.Errorf("ebs attach_volume: %w", err)
	}

	if err := b.waitForVolumeState(ctx, blockDeviceID, ec2types.VolumeStateInUse); err != nil {
		return types.BlockDeviceVolume{}, err
	}

	if _, err := waitForNewDevice(ctx, before, attachPollInterval, attachPollTimeout); err != nil {
		logger.Warn().Err(err).Msg("no single new device node detected after attach; device path will be resolved on next GetDevicePath call")
	}

	vol, err := b.describeVolume(ctx, blockDeviceID)
	if err != nil {
		return types.BlockDeviceVolume{}, err
	}
	vol.AttachedTo = instanceID
	return vol, nil
}

func (b *Backend) DetachVolume(ctx context.Context, blockDeviceID string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.BackendCallDuration, "detach_volume")

	_, err := b.client.DetachVolume(ctx, &ec2.DetachVolumeInput{VolumeId: awsconfig.String(blockDeviceID)})
	if err != nil && !isAlreadyDetached(err) {
		metrics.BackendErrorsTotal.WithLabelValues("detach_volume", "transient_backend").Inc()
		return fmt.Errorf("ebs detach_volume: %w", err)
	}
	return b.waitForVolumeState(ctx, blockDeviceID, ec2types.VolumeStateAvailable)
}

func (b *Backend) ListVolumes(ctx context.Context) ([]types.BlockDeviceVolume, error) {
	out, err := b.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		Filters: []ec2types.Filter{{
			Name:   awsconfig.String("tag:" + clusterTagKey),
			Values: []string{b.clusterID},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("ebs list_volumes: %w", err)
	}

	volumes := make([]types.BlockDeviceVolume, 0, len(out.Volumes))
	for _, v := range out.Volumes {
		volumes = append(volumes, volumeFromEC2(v))
	}
	return volumes, nil
}

func (b *Backend) GetDevicePath(ctx context.Context, blockDeviceID string) (string, error) {
	out, err := b.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{blockDeviceID}})
	if err != nil {
		return "", fmt.Errorf("ebs get_device_path: %w", err)
	}
	if len(out.Volumes) == 0 || len(out.Volumes[0].Attachments) == 0 {
		return "", backend.ErrUnattachedVolume
	}
	device := awsconfig.ToString(out.Volumes[0].Attachments[0].Device)
	return resolveDeviceNode(device)
}

func (b *Backend) MaxAttachedPerHost() int { return 21 }

func (b *Backend) findVolumeByDataset(ctx context.Context, datasetID string) (*types.BlockDeviceVolume, error) {
	out, err := b.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		Filters: []ec2types.Filter{
			{Name: awsconfig.String("tag:" + clusterTagKey), Values: []string{b.clusterID}},
			{Name: awsconfig.String("tag:" + datasetTagKey), Values: []string{datasetID}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ebs find_volume_by_dataset: %w", err)
	}
	if len(out.Volumes) == 0 {
		return nil, nil
	}
	vol := volumeFromEC2(out.Volumes[0])
	return &vol, nil
}

func (b *Backend) describeVolume(ctx context.Context, blockDeviceID string) (types.BlockDeviceVolume, error) {
	out, err := b.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{blockDeviceID}})
	if err != nil {
		return types.BlockDeviceVolume{}, fmt.Errorf("ebs describe_volume: %w", err)
	}
	if len(out.Volumes) == 0 {
		return types.BlockDeviceVolume{}, backend.ErrUnknownVolume
	}
	return volumeFromEC2(out.Volumes[0]), nil
}

func (b *Backend) waitForVolumeState(ctx context.Context, volumeID string, want ec2types.VolumeState) error {
	deadline := time.Now().Add(attachPollTimeout)
	for {
		out, err := b.client.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}})
		if err == nil && len(out.Volumes) > 0 && out.Volumes[0].State == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("ebs: timed out waiting for volume %s to reach state %s", volumeID, want)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(attachPollInterval):
		}
	}
}

func volumeFromEC2(v ec2types.Volume) types.BlockDeviceVolume {
	out := types.BlockDeviceVolume{
		BlockDeviceID: awsconfig.ToString(v.VolumeId),
		Size:          int64(awsconfig.ToInt32(v.Size)) * (1 << 30),
	}
	for _, tag := range v.Tags {
		if awsconfig.ToString(tag.Key) == datasetTagKey {
			out.DatasetID = awsconfig.ToString(tag.Value)
		}
	}
	if len(v.Attachments) > 0 {
		out.AttachedTo = awsconfig.ToString(v.Attachments[0].InstanceId)
	}
	return out
}

// listDeviceNodes lists the current /dev/xvd*|nvme* block device nodes,
// used to diff the device set before/after an attach per §4.2's matching
// rule.
func listDeviceNodes() (map[string]bool, error) {
	entries, err := os.ReadDir(devicesDir)
	if err != nil {
		return nil, err
	}
	nodes := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "xvd") || strings.HasPrefix(name, "nvme") {
			nodes[filepath.Join(devicesDir, name)] = true
		}
	}
	return nodes, nil
}

// waitForNewDevice polls until exactly one device node appears that
// wasn't present in before, or the timeout elapses.
func waitForNewDevice(ctx context.Context, before map[string]bool, interval, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		after, err := listDeviceNodes()
		if err == nil {
			var fresh []string
			for dev := range after {
				if !before[dev] {
					fresh = append(fresh, dev)
				}
			}
			if len(fresh) == 1 {
				return fresh[0], nil
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("no single new device node appeared within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
	}
}

// resolveDeviceNode maps a cloud-reported device hint (e.g. "/dev/xvdf")
// to the actual kernel-visible node, accounting for the common
// xvdf->nvme1n1 renaming on Nitro-based instances.
func resolveDeviceNode(hint string) (string, error) {
	if _, err := os.Stat(hint); err == nil {
		return hint, nil
	}
	nodes, err := listDeviceNodes()
	if err != nil {
		return "", fmt.Errorf("resolve device node: %w", err)
	}
	for dev := range nodes {
		if strings.HasPrefix(filepath.Base(dev), "nvme") {
			return dev, nil
		}
	}
	return "", fmt.Errorf("could not resolve device node for hint %q", hint)
}

func isNotFound(err error) bool            { return strings.Contains(err.Error(), "InvalidVolume.NotFound") }
func isVolumeInUse(err error) bool         { return strings.Contains(err.Error(), "VolumeInUse") }
func isAlreadyAttachedToSelf(err error) bool {
	return strings.Contains(err.Error(), "already attached")
}
func isAlreadyAttachedElsewhere(err error) bool {
	return strings.Contains(err.Error(), "IncorrectState") || strings.Contains(err.Error(), "VolumeInUse")
}
func isAlreadyDetached(err error) bool {
	return strings.Contains(err.Error(), "IncorrectState") && strings.Contains(err.Error(), "available")
}
