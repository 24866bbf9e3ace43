package protocol

import "fmt"

// IkeErrorCode is the notify-message-type space used to carry protocol
// error conditions back to the peer (RFC 7296 §3.10.1) and, doubled up,
// as the Go error type state handlers return internally.
type IkeErrorCode uint16

const (
	ERR_UNSUPPORTED_CRITICAL_PAYLOAD IkeErrorCode = 1
	ERR_INVALID_IKE_SPI              IkeErrorCode = 4
	ERR_INVALID_MAJOR_VERSION        IkeErrorCode = 5
	ERR_INVALID_SYNTAX               IkeErrorCode = 7
	ERR_INVALID_MESSAGE_ID           IkeErrorCode = 9
	ERR_INVALID_SPI                  IkeErrorCode = 11
	ERR_NO_PROPOSAL_CHOSEN           IkeErrorCode = 14
	ERR_INVALID_KE_PAYLOAD           IkeErrorCode = 17
	ERR_AUTHENTICATION_FAILED        IkeErrorCode = 24
	ERR_SINGLE_PAIR_REQUIRED         IkeErrorCode = 34
	ERR_NO_ADDITIONAL_SAS            IkeErrorCode = 35
	ERR_INTERNAL_ADDRESS_FAILURE     IkeErrorCode = 36
	ERR_FAILED_CP_REQUIRED           IkeErrorCode = 37
	ERR_TS_UNACCEPTABLE              IkeErrorCode = 38
	ERR_INVALID_SELECTORS            IkeErrorCode = 39
	ERR_TEMPORARY_FAILURE            IkeErrorCode = 43
	ERR_CHILD_SA_NOT_FOUND           IkeErrorCode = 44

	// ERR_INTEGRITY_CHECK_FAILED and ERR_INTERNAL and ERR_TIMEOUT have no
	// wire notify-type (they never need to be sent as-is to a peer; they
	// map to ERR_INVALID_SYNTAX / ERR_AUTHENTICATION_FAILED on the wire)
	// but are distinct Go error kinds so callers can branch.
	ERR_INTEGRITY_CHECK_FAILED IkeErrorCode = 0xff01
	ERR_INTERNAL               IkeErrorCode = 0xff02
	ERR_TIMEOUT                IkeErrorCode = 0xff03
)

var errNames = map[IkeErrorCode]string{
	ERR_UNSUPPORTED_CRITICAL_PAYLOAD: "UNSUPPORTED_CRITICAL_PAYLOAD",
	ERR_INVALID_IKE_SPI:              "INVALID_IKE_SPI",
	ERR_INVALID_MAJOR_VERSION:        "INVALID_MAJOR_VERSION",
	ERR_INVALID_SYNTAX:               "INVALID_SYNTAX",
	ERR_INVALID_MESSAGE_ID:           "INVALID_MESSAGE_ID",
	ERR_INVALID_SPI:                  "INVALID_SPI",
	ERR_NO_PROPOSAL_CHOSEN:           "NO_PROPOSAL_CHOSEN",
	ERR_INVALID_KE_PAYLOAD:           "INVALID_KE_PAYLOAD",
	ERR_AUTHENTICATION_FAILED:        "AUTHENTICATION_FAILED",
	ERR_SINGLE_PAIR_REQUIRED:         "SINGLE_PAIR_REQUIRED",
	ERR_NO_ADDITIONAL_SAS:            "NO_ADDITIONAL_SAS",
	ERR_INTERNAL_ADDRESS_FAILURE:     "INTERNAL_ADDRESS_FAILURE",
	ERR_FAILED_CP_REQUIRED:           "FAILED_CP_REQUIRED",
	ERR_TS_UNACCEPTABLE:              "TS_UNACCEPTABLE",
	ERR_INVALID_SELECTORS:            "INVALID_SELECTORS",
	ERR_TEMPORARY_FAILURE:            "TEMPORARY_FAILURE",
	ERR_CHILD_SA_NOT_FOUND:           "CHILD_SA_NOT_FOUND",
	ERR_INTEGRITY_CHECK_FAILED:       "INTEGRITY_CHECK_FAILED",
	ERR_INTERNAL:                     "INTERNAL_ERROR",
	ERR_TIMEOUT:                      "TIMEOUT",
}

func (e IkeErrorCode) String() string {
	if n, ok := errNames[e]; ok {
		return n
	}
	return fmt.Sprintf("IkeErrorCode(%d)", uint16(e))
}

func (e IkeErrorCode) Error() string { return e.String() }

// IsFatal reports whether the error kind always terminates the IKE SA
// once observed in a response.
func (e IkeErrorCode) IsFatal() bool {
	switch e {
	case ERR_AUTHENTICATION_FAILED, ERR_INVALID_SYNTAX, ERR_UNSUPPORTED_CRITICAL_PAYLOAD,
		ERR_INTEGRITY_CHECK_FAILED, ERR_TIMEOUT:
		return true
	default:
		return false
	}
}

// IkeError decorates an IkeErrorCode with a human-readable detail string,
// kept separate from the bare code so logs carry context without losing
// the switchable kind.
type IkeError struct {
	IkeErrorCode
	Message string
}

func ErrF(code IkeErrorCode, format string, a ...interface{}) IkeError {
	return IkeError{code, fmt.Sprintf(format, a...)}
}

func (e IkeError) Error() string {
	if e.Message == "" {
		return e.IkeErrorCode.String()
	}
	return fmt.Sprintf("%s: %s", e.IkeErrorCode, e.Message)
}

func (e IkeError) Unwrap() error { return e.IkeErrorCode }

// NotificationType is the IANA notify-message-type registry; it overlaps
// numerically with IkeErrorCode for the error range and adds the status
// notifications used during negotiation (NAT-T, cookie, rekey hints...).
type NotificationType uint16

const (
	UNSUPPORTED_CRITICAL_PAYLOAD NotificationType = 1
	INVALID_IKE_SPI              NotificationType = 4
	INVALID_MAJOR_VERSION        NotificationType = 5
	INVALID_SYNTAX               NotificationType = 7
	INVALID_MESSAGE_ID           NotificationType = 9
	INVALID_SPI                  NotificationType = 11
	NO_PROPOSAL_CHOSEN           NotificationType = 14
	INVALID_KE_PAYLOAD           NotificationType = 17
	AUTHENTICATION_FAILED        NotificationType = 24
	SINGLE_PAIR_REQUIRED         NotificationType = 34
	NO_ADDITIONAL_SAS            NotificationType = 35
	INTERNAL_ADDRESS_FAILURE     NotificationType = 36
	FAILED_CP_REQUIRED           NotificationType = 37
	TS_UNACCEPTABLE              NotificationType = 38
	INVALID_SELECTORS            NotificationType = 39
	TEMPORARY_FAILURE            NotificationType = 43
	CHILD_SA_NOT_FOUND           NotificationType = 44

	INITIAL_CONTACT               NotificationType = 16384
	SET_WINDOW_SIZE               NotificationType = 16385
	ADDITIONAL_TS_POSSIBLE        NotificationType = 16386
	IPCOMP_SUPPORTED              NotificationType = 16387
	NAT_DETECTION_SOURCE_IP       NotificationType = 16388
	NAT_DETECTION_DESTINATION_IP  NotificationType = 16389
	COOKIE                        NotificationType = 16390
	USE_TRANSPORT_MODE            NotificationType = 16391
	HTTP_CERT_LOOKUP_SUPPORTED    NotificationType = 16392
	REKEY_SA                      NotificationType = 16393
	ESP_TFC_PADDING_NOT_SUPPORTED NotificationType = 16394
	NON_FIRST_FRAGMENTS_ALSO      NotificationType = 16395
	SIGNATURE_HASH_ALGORITHMS     NotificationType = 16431
)

// GetIkeErrorCode reports whether nt falls in the error-notification
// range and, if so, the matching IkeErrorCode.
func GetIkeErrorCode(nt NotificationType) (IkeErrorCode, bool) {
	switch nt {
	case UNSUPPORTED_CRITICAL_PAYLOAD:
		return ERR_UNSUPPORTED_CRITICAL_PAYLOAD, true
	case INVALID_IKE_SPI:
		return ERR_INVALID_IKE_SPI, true
	case INVALID_MAJOR_VERSION:
		return ERR_INVALID_MAJOR_VERSION, true
	case INVALID_SYNTAX:
		return ERR_INVALID_SYNTAX, true
	case INVALID_MESSAGE_ID:
		return ERR_INVALID_MESSAGE_ID, true
	case INVALID_SPI:
		return ERR_INVALID_SPI, true
	case NO_PROPOSAL_CHOSEN:
		return ERR_NO_PROPOSAL_CHOSEN, true
	case INVALID_KE_PAYLOAD:
		return ERR_INVALID_KE_PAYLOAD, true
	case AUTHENTICATION_FAILED:
		return ERR_AUTHENTICATION_FAILED, true
	case SINGLE_PAIR_REQUIRED:
		return ERR_SINGLE_PAIR_REQUIRED, true
	case NO_ADDITIONAL_SAS:
		return ERR_NO_ADDITIONAL_SAS, true
	case INTERNAL_ADDRESS_FAILURE:
		return ERR_INTERNAL_ADDRESS_FAILURE, true
	case FAILED_CP_REQUIRED:
		return ERR_FAILED_CP_REQUIRED, true
	case TS_UNACCEPTABLE:
		return ERR_TS_UNACCEPTABLE, true
	case INVALID_SELECTORS:
		return ERR_INVALID_SELECTORS, true
	case TEMPORARY_FAILURE:
		return ERR_TEMPORARY_FAILURE, true
	case CHILD_SA_NOT_FOUND:
		return ERR_CHILD_SA_NOT_FOUND, true
	default:
		return 0, false
	}
}

func (n NotificationType) String() string {
	if code, ok := GetIkeErrorCode(n); ok {
		return code.String()
	}
	switch n {
	case INITIAL_CONTACT:
		return "INITIAL_CONTACT"
	case SET_WINDOW_SIZE:
		return "SET_WINDOW_SIZE"
	case ADDITIONAL_TS_POSSIBLE:
		return "ADDITIONAL_TS_POSSIBLE"
	case IPCOMP_SUPPORTED:
		return "IPCOMP_SUPPORTED"
	case NAT_DETECTION_SOURCE_IP:
		return "NAT_DETECTION_SOURCE_IP"
	case NAT_DETECTION_DESTINATION_IP:
		return "NAT_DETECTION_DESTINATION_IP"
	case COOKIE:
		return "COOKIE"
	case USE_TRANSPORT_MODE:
		return "USE_TRANSPORT_MODE"
	case HTTP_CERT_LOOKUP_SUPPORTED:
		return "HTTP_CERT_LOOKUP_SUPPORTED"
	case REKEY_SA:
		return "REKEY_SA"
	case ESP_TFC_PADDING_NOT_SUPPORTED:
		return "ESP_TFC_PADDING_NOT_SUPPORTED"
	case NON_FIRST_FRAGMENTS_ALSO:
		return "NON_FIRST_FRAGMENTS_ALSO"
	case SIGNATURE_HASH_ALGORITHMS:
		return "SIGNATURE_HASH_ALGORITHMS"
	default:
		return fmt.Sprintf("NotificationType(%d)", uint16(n))
	}
}
