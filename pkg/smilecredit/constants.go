package smilecredit

// SmileConfidenceThreshold is the fixed qualification bar: a captured
// image qualifies only when confidence is strictly greater than this.
const SmileConfidenceThreshold = 0.8

const (
	operationConnect = "connect"
	operationCapture = "capture"
	operationRetake  = "retake"
	operationSubmit  = "submit"
	operationReward  = "reward"
	operationDonate  = "donate"
	operationBalance = "balance"
	operationClose   = "close"

	subjectIdentity = "identity"
	subjectCamera   = "camera"
	subjectImage    = "image"
	subjectAnalysis = "analysis"
	subjectLedger   = "ledger"
	subjectPool     = "pool"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
