package pubsub

import (
	"context"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
)

// publish broadcasts msg on the primary channel and on fleet_status when
// mirrored, then forwards it once to the sinks tagged with the primary channel.
func (b *Broadcaster) publish(ctx context.Context, msg models.Message, primary string, mirrored bool) {
	b.Broadcast(ctx, primary, msg)
	if mirrored && primary != models.ChannelFleetStatus {
		b.Broadcast(ctx, models.ChannelFleetStatus, msg)
	}

	msg.Channel = primary
	b.forward(ctx, msg)
}

// MachineStatus publishes a machine state change on machine_updates
func (b *Broadcaster) MachineStatus(ctx context.Context, machine *models.Machine) {
	b.publish(ctx, models.NewMessage(models.MessageMachineStatus, machine), models.ChannelMachineUpdates, true)
}

// DeploymentUpdate publishes a deployment phase change on deployments
func (b *Broadcaster) DeploymentUpdate(ctx context.Context, deployment *models.RemoteDeployment) {
	b.publish(ctx, models.NewMessage(models.MessageDeploymentUpdate, deployment), models.ChannelDeployments, true)
}

// DeploymentProgress publishes a per-machine progress report on deployments
func (b *Broadcaster) DeploymentProgress(ctx context.Context, progress *models.DeploymentProgress) {
	b.publish(ctx, models.NewMessage(models.MessageDeploymentProgress, progress), models.ChannelDeployments, true)
}

// FleetStatistics publishes a statistics snapshot on fleet_status
func (b *Broadcaster) FleetStatistics(ctx context.Context, stats *models.FleetStatistics) {
	b.publish(ctx, models.NewMessage(models.MessageFleetStatistics, stats), models.ChannelFleetStatus, false)
}

// Alert publishes an alert on the alerts channel
func (b *Broadcaster) Alert(ctx context.Context, alert models.Alert) {
	b.publish(ctx, models.NewMessage(models.MessageAlert, alert), models.ChannelAlerts, false)
}
