package constants

// Static route constants
const (
	HealthRoute              = "/health"
	APIDownloadsRoute        = "/downloads"
	APIDownloadRoute         = "/downloads/:uuid"
	APIPaymentsRoute         = "/payments"
	APIPaymentsCallbackRoute = "/payments/callback"
)
