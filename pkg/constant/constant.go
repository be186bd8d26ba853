package constant

const (
	_  = iota
	KB = 1 << (10 * iota)
	MB
	GB
	TB
)

// DefaultTenantID is the tenant used by single-tenant deployments.
const DefaultTenantID string = "public"

// BatchContentType is the MIME type of a staged document batch.
const BatchContentType = "application/json"

// ConnectorValidationErrorPrefix prefixes the error message of attempts that
// were canceled because the connector settings didn't validate. The prefix
// is how consecutive validation failures are counted.
const ConnectorValidationErrorPrefix = "ConnectorValidationError: "
