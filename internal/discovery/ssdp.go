// Package discovery locates cameras on the local network with a one-shot
// SSDP search and reads their device descriptions to find the per-service
// control endpoints.
package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/koron/go-ssdp"

	"github.com/camkit/camlink/core/logx"
)

const searchTarget = "urn:schemas-sony-com:service:ScalarWebAPI:1"

// Device is one discovered camera. ControlBase is the base URL control
// requests are posted under (one path segment per service); Services lists
// the service names the device advertises.
type Device struct {
	FriendlyName string
	Location     string
	ControlBase  string
	Services     []string
}

// Discover multicasts one M-SEARCH and collects responders until the wait
// elapses, fetching each responder's device description. The wait is clamped
// to the context's deadline when that is sooner.
func Discover(ctx context.Context, wait time.Duration) ([]Device, error) {
	if wait <= 0 {
		wait = 3 * time.Second
	}
	if d, ok := ctx.Deadline(); ok {
		if until := time.Until(d); until < wait {
			wait = until
		}
	}
	found, err := ssdp.Search(searchTarget, searchSeconds(wait), "")
	if err != nil {
		return nil, err
	}

	var devices []Device
	seen := map[string]bool{}
	for _, svc := range found {
		if svc.Location == "" || seen[svc.Location] {
			continue
		}
		seen[svc.Location] = true
		dev, err := describe(ctx, svc.Location)
		if err != nil {
			logx.Log.Debug().Err(err).Str("location", svc.Location).Msg("device description fetch failed")
			continue
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// searchSeconds rounds the wait down to the whole seconds the SSDP MX header
// carries, never below one.
func searchSeconds(wait time.Duration) int {
	s := int(wait.Seconds())
	if s < 1 {
		s = 1
	}
	return s
}

type deviceDescription struct {
	Device struct {
		FriendlyName string `xml:"friendlyName"`
		ServiceList  struct {
			Services []struct {
				Type string `xml:"ServiceType"`
				URL  string `xml:"ActionList_URL"`
			} `xml:"X_ScalarWebAPI_Service"`
		} `xml:"X_ScalarWebAPI_DeviceInfo>X_ScalarWebAPI_ServiceList"`
	} `xml:"device"`
}

// describe fetches and parses a device description document.
func describe(ctx context.Context, location string) (Device, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return Device{}, err
	}
	res, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return Device{}, err
	}
	defer func() {
		_ = res.Body.Close()
	}()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return Device{}, err
	}
	return ParseDescription(location, b)
}

// ParseDescription extracts the control endpoints from a device description
// document.
func ParseDescription(location string, b []byte) (Device, error) {
	var desc deviceDescription
	if err := xml.Unmarshal(b, &desc); err != nil {
		return Device{}, fmt.Errorf("discovery: malformed device description: %w", err)
	}
	dev := Device{
		FriendlyName: desc.Device.FriendlyName,
		Location:     location,
	}
	for _, svc := range desc.Device.ServiceList.Services {
		if dev.ControlBase == "" {
			dev.ControlBase = strings.TrimRight(svc.URL, "/")
		}
		dev.Services = append(dev.Services, svc.Type)
	}
	return dev, nil
}
