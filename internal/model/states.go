package model

// Provisioning states. A node is always in exactly one of these; the
// conductor moves it between them in response to verbs and to the
// completion of background work.
const (
	// Enroll is the initial state for nodes created under modern API
	// versions. Only administrative updates and `manage` are allowed.
	Enroll = "enroll"

	// Verifying means management credentials are being checked in the
	// background after a `manage` request.
	Verifying = "verifying"

	// Manageable means the node's management interfaces validated and
	// out-of-band operations (cleaning, inspection, adoption) may run.
	Manageable = "manageable"

	// Cleaning means automated sanitization steps are executing.
	Cleaning = "cleaning"

	// CleanWait means a cleaning step handed control to an out-of-band
	// agent and the conductor is waiting for it to report back.
	CleanWait = "clean wait"

	// CleanFailed means a cleaning step failed; operator intervention
	// (re-issuing `manage`) is required.
	CleanFailed = "clean failed"

	// Available means the node is clean and may be picked for deployment.
	Available = "available"

	// Deploying means an instance is being written to the node.
	Deploying = "deploying"

	// DeployWait means deployment is waiting on an external callback.
	DeployWait = "deploy wait"

	// DeployFail means the last deployment attempt failed.
	DeployFail = "deploy failed"

	// Active means the node is deployed and serving an instance.
	Active = "active"

	// Deleting means the node's instance is being torn down.
	Deleting = "deleting"

	// Inspecting means hardware introspection is in progress.
	Inspecting = "inspecting"

	// InspectFail means hardware introspection failed.
	InspectFail = "inspect failed"

	// Adopting means an already-deployed node is being taken over
	// without redeployment.
	Adopting = "adopting"

	// AdoptFail means adoption failed.
	AdoptFail = "adopt failed"

	// Error is the terminal state for failures that do not map to a
	// more specific failed state. LastError describes the cause.
	Error = "error"
)

// Power states as last observed from the management controller.
const (
	PowerOn    = "power on"
	PowerOff   = "power off"
	PowerError = "power error"
	Rebooting  = "rebooting"
	PowerNone  = ""
)

// Verbs accepted by the provision-state endpoint.
const (
	VerbManage  = "manage"
	VerbProvide = "provide"
	VerbActive  = "active"
	VerbRebuild = "rebuild"
	VerbDeleted = "deleted"
	VerbClean   = "clean"
	VerbInspect = "inspect"
	VerbAdopt   = "adopt"
	VerbAbort   = "abort"
)
