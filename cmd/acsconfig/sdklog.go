package main

import (
	"strings"

	azlog "github.com/Azure/azure-sdk-for-go/sdk/azcore/log"
	"pkt.systems/pslog"

	"pkt.systems/acsconfig/internal/svcfields"
)

// installSDKLogging forwards azcore pipeline events to logger at debug
// level and returns a func that detaches the listener.
func installSDKLogging(logger pslog.Logger) func() {
	sdk := svcfields.WithSubsystem(logger, "client.sdk.azcore")
	azlog.SetEvents(azlog.EventRequest, azlog.EventResponse, azlog.EventResponseError, azlog.EventRetryPolicy)
	azlog.SetListener(func(ev azlog.Event, msg string) {
		sdk.Debug("azcore."+strings.ToLower(string(ev)), "detail", msg)
	})
	return func() { azlog.SetListener(nil) }
}
