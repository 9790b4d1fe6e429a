package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// Environment variables read by ApplyEnv.
const (
	EnvClientTargetHostname = "RP_CLIENT_TARGET_HOSTNAME"
	EnvClientTargetPort     = "RP_CLIENT_TARGET_PORT"
	EnvClientCertPath       = "RP_CLIENT_CERT_PATH"
	EnvClientKeyFilename    = "RP_CLIENT_KEY_FILENAME"
	EnvClientCrtFilename    = "RP_CLIENT_CRT_FILENAME"
	EnvClientCAFilename     = "RP_CLIENT_CA_FILENAME"
	EnvClientUserConfig     = "RP_CLIENT_USER_CONFIG_MODULE"

	EnvClientUnhandledEventCode     = "RP_CLIENT_UNHANDLED_EVENT_CODE"
	EnvClientUnhandledExceptionCode = "RP_CLIENT_UNHANDLED_EXCEPTION_CODE"
	EnvClientDefaultMimetype        = "RP_CLIENT_DEFAULT_MIMETYPE"

	EnvServerBindIP      = "RP_SERVER_BIND_IP"
	EnvServerBindPort    = "RP_SERVER_BIND_PORT"
	EnvServerCertPath    = "RP_SERVER_CERT_PATH"
	EnvServerKeyFilename = "RP_SERVER_KEY_FILENAME"
	EnvServerCrtFilename = "RP_SERVER_CRT_FILENAME"
	EnvServerCAFilename  = "RP_SERVER_CA_FILENAME"
	EnvServerUserConfig  = "RP_SERVER_USER_CONFIG"

	EnvServerUnhandledEventCode     = "RP_SERVER_UNHANDLED_EVENT_CODE"
	EnvServerUnhandledExceptionCode = "RP_SERVER_UNHANDLED_EXCEPTION_CODE"
	EnvServerDefaultMimetype        = "RP_SERVER_DEFAULT_MIMETYPE"

	// EnvGatewayAuthToken sets the gateway bearer token for both roles.
	EnvGatewayAuthToken = "RP_GATEWAY_AUTH_TOKEN"

	// EnvEventHandlers picks the handler set for both roles.
	EnvEventHandlers = "RP_EVENT_HANDLER_FQ_CLASS"
)

// ApplyEnv overlays every RP_* variable that is set and non-empty.
func ApplyEnv(cfg *File) {
	setString(&cfg.Client.TargetHostname, EnvClientTargetHostname)
	setInt(&cfg.Client.TargetPort, EnvClientTargetPort)
	setString(&cfg.Client.TLS.CertPath, EnvClientCertPath)
	setString(&cfg.Client.TLS.KeyFilename, EnvClientKeyFilename)
	setString(&cfg.Client.TLS.CrtFilename, EnvClientCrtFilename)
	setString(&cfg.Client.TLS.CAFilename, EnvClientCAFilename)
	setString(&cfg.Client.UserConfig, EnvClientUserConfig)
	setString(&cfg.Client.Handlers, EnvEventHandlers)
	setInt(&cfg.Client.UnhandledEventCode, EnvClientUnhandledEventCode)
	setInt(&cfg.Client.UnhandledExceptionCode, EnvClientUnhandledExceptionCode)
	setString(&cfg.Client.DefaultMimetype, EnvClientDefaultMimetype)

	setString(&cfg.Server.BindIP, EnvServerBindIP)
	setInt(&cfg.Server.BindPort, EnvServerBindPort)
	setString(&cfg.Server.TLS.CertPath, EnvServerCertPath)
	setString(&cfg.Server.TLS.KeyFilename, EnvServerKeyFilename)
	setString(&cfg.Server.TLS.CrtFilename, EnvServerCrtFilename)
	setString(&cfg.Server.TLS.CAFilename, EnvServerCAFilename)
	setString(&cfg.Server.UserConfig, EnvServerUserConfig)
	setString(&cfg.Server.Handlers, EnvEventHandlers)
	setInt(&cfg.Server.UnhandledEventCode, EnvServerUnhandledEventCode)
	setInt(&cfg.Server.UnhandledExceptionCode, EnvServerUnhandledExceptionCode)
	setString(&cfg.Server.DefaultMimetype, EnvServerDefaultMimetype)

	setString(&cfg.Client.Gateway.AuthToken, EnvGatewayAuthToken)
	setString(&cfg.Server.Gateway.AuthToken, EnvGatewayAuthToken)
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("env", key).Str("value", raw).Msg("config.ApplyEnv ignoring non-integer value")
		return
	}
	*dst = n
}
