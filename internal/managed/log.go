package managed

import (
	"context"
	"maps"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Subsystem is the tflog subsystem pool events are written to.
const Subsystem = "pool"

// LogEvent logs a pool event. The level follows from the event: lifecycle
// events are info, per-object traffic is debug, lost objects are warnings.
func LogEvent(ctx context.Context, event string, fields map[string]any) {
	f := make(map[string]any, len(fields)+1)
	maps.Copy(f, fields)
	f["event"] = event

	switch event {
	case "pool_initialized", "pool_closed":
		tflog.SubsystemInfo(ctx, Subsystem, "Pool event", f)
	case "connection_acquired", "connection_released":
		tflog.SubsystemDebug(ctx, Subsystem, "Pool event", f)
	case "recycle_failed", "health_check_failed", "create_failed":
		tflog.SubsystemWarn(ctx, Subsystem, "Pool event", f)
	case "pool_creation_failed":
		tflog.SubsystemError(ctx, Subsystem, "Pool event", f)
	default:
		tflog.SubsystemTrace(ctx, Subsystem, "Pool event", f)
	}
}
