// Package acsconfig provisions Access Control Service credentials for push
// notification back ends and writes the toolkit configuration that uses them.
//
// The module is split into small packages:
//
//   - atom parses AtomPub feeds, evaluates XPath and detects service error
//     envelopes.
//   - batch builds OData $batch request bodies holding one changeset.
//   - client obtains WRAP access tokens and talks to the management service.
//   - workqueue sequences asynchronous steps with shared values and a single
//     error slot.
//   - setup expresses relying party provisioning as a workqueue and renders
//     the toolkit configuration document.
//
// This package holds the configuration shared by the acsconfig command and
// the OpenTelemetry wiring it installs.
//
// # Obtaining a client
//
//	cfg := acsconfig.Config{Namespace: "contoso", ManagementKey: key}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//	cli, status, err := client.ObtainToken(ctx, cfg.Namespace, cfg.ManagementKey,
//	    cfg.ClientOptions(logger, nil)...)
//	if err != nil {
//	    log.Fatalf("token request failed (%d): %v", status, err)
//	}
//
// # Provisioning a relying party
//
//	res, err := setup.Run(ctx, cli, setup.Request{
//	    RelyingParty: "push",
//	    Realm:        "https://push.example.com/",
//	}, func(msg string) { fmt.Println(msg) })
//
// The run fails with setup.ErrRelyingPartyExists when the relying party is
// already configured, unless Request.Replace is set.
//
// # Telemetry
//
// SetupTelemetry installs an OTLP trace exporter when Config.OTLPEndpoint is
// set (grpc://, grpcs://, http:// or https://; a bare host:port means
// insecure gRPC). Config.MetricsFile collects client and queue counters in a
// Prometheus registry that is written as a text file by Telemetry.Shutdown.
package acsconfig
