package control

/*
Endpoints, the request and response bodies they carry, and the handlers behind them.
Bodies are exported so ond/client can speak the same shapes.
*/

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rflandau/fwdist/internal/misc"
	"github.com/rflandau/fwdist/ond"
	"github.com/rflandau/fwdist/ond/distributor"
	"github.com/rflandau/fwdist/ond/firmware"
	"github.com/rflandau/fwdist/ond/history"
	"github.com/rflandau/fwdist/ond/status"
)

type Endpoint = string

const (
	EP_DOWNLOADS Endpoint = "/downloads"
	EP_RESETS    Endpoint = "/resets"
	EP_STATUS    Endpoint = "/status"
	EP_FIRMWARES Endpoint = "/firmwares"
	EP_HISTORY   Endpoint = "/history"
)

// operation ids; also reported in the HdrOp header of error responses
const (
	OP_START_DOWNLOAD  = "start-download"
	OP_CANCEL_DOWNLOAD = "cancel-download"
	OP_LIST_DOWNLOADS  = "list-downloads"
	OP_REQUEST_RESET   = "request-reset"
	OP_STATUS          = "status"
	OP_FIRMWARES       = "list-firmwares"
	OP_HISTORY         = "history"
)

// Status codes returned by successful requests.
const (
	EXPECTED_STATUS_START_DOWNLOAD  int = http.StatusAccepted
	EXPECTED_STATUS_CANCEL_DOWNLOAD int = http.StatusOK
	EXPECTED_STATUS_REQUEST_RESET   int = http.StatusAccepted
	EXPECTED_STATUS_GET             int = http.StatusOK
)

const DefaultHistoryLimit = 20

//#region bodies

// DownloadRequest asks for a firmware to be broadcast to every node behind a coordinator.
type DownloadRequest struct {
	Coordinator   string `json:"coordinator" required:"true" example:"fd04:bd3:80e8:2::1" doc:"IPv6 address of the border router to download through"`
	DeviceID      uint32 `json:"device_id" required:"true" example:"268435457" doc:"device id of the firmware"`
	ChipType      uint16 `json:"chip_type" example:"8" doc:"chip type of the firmware"`
	Revision      uint16 `json:"revision" example:"4" doc:"revision of the firmware"`
	BlockInterval uint16 `json:"block_interval" required:"false" default:"100" example:"100" doc:"time between blocks, in 10ms ticks"`
	Inform        bool   `json:"inform,omitempty" doc:"announce the firmware without sending any blocks"`
	Reset         bool   `json:"reset,omitempty" doc:"ask nodes to reset as soon as they hold the whole image"`
}

// ID returns the firmware identity named by the request.
func (r DownloadRequest) ID() ond.FirmwareID {
	return ond.FirmwareID{DeviceID: r.DeviceID, ChipType: r.ChipType, Revision: r.Revision}
}

// CancelResult reports whether a cancelled download was actually running.
type CancelResult struct {
	WasRunning bool `json:"was_running" doc:"a download was in flight and has been signalled to stop"`
}

// ResetRequest asks every node of a device type behind a coordinator to reset.
type ResetRequest struct {
	Coordinator    string `json:"coordinator" required:"true" example:"fd04:bd3:80e8:2::1" doc:"IPv6 address of the border router to send through"`
	DeviceID       uint32 `json:"device_id" required:"true" example:"268435457" doc:"device id of the nodes to reset"`
	Timeout        uint16 `json:"timeout" required:"false" default:"100" doc:"time until reset, in 10ms ticks"`
	DepthInfluence uint16 `json:"depth_influence" required:"false" default:"10" doc:"extra ticks per hop from the coordinator"`
	RepeatCount    uint16 `json:"repeat_count" required:"false" default:"1" doc:"number of times to send the request; 0 also sends once"`
	RepeatTime     uint16 `json:"repeat_time" required:"false" default:"20" doc:"time between repeats, in 10ms ticks"`
}

// Download describes one in-flight download.
type Download struct {
	Coordinator   string    `json:"coordinator"`
	DeviceID      uint32    `json:"device_id"`
	ChipType      uint16    `json:"chip_type"`
	Revision      uint16    `json:"revision"`
	State         string    `json:"state" enum:"created,broadcasting,completed,cancelled,failed"`
	BlockInterval uint16    `json:"block_interval"`
	Inform        bool      `json:"inform"`
	Reset         bool      `json:"reset"`
	Started       time.Time `json:"started"`
}

// NodeStatus is the last progress reported by (or broadcast to) one node.
type NodeStatus struct {
	Coordinator string    `json:"coordinator"`
	DeviceID    uint32    `json:"device_id"`
	ChipType    uint16    `json:"chip_type"`
	Revision    uint16    `json:"revision"`
	Node        string    `json:"node" example:"0x00158d000a0b0c0d" doc:"64-bit node address in hex; 0xffffffffffffffff is the broadcast record"`
	Remaining   uint16    `json:"remaining"`
	Total       uint16    `json:"total"`
	Updated     time.Time `json:"updated"`
}

// Firmware describes one loaded image.
type Firmware struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	DeviceID uint32    `json:"device_id"`
	ChipType uint16    `json:"chip_type"`
	Revision uint16    `json:"revision"`
	Size     uint32    `json:"size"`
	Timeout  uint32    `json:"timeout"`
	Loaded   time.Time `json:"loaded"`
}

// HistoryEvent is one finished piece of work.
type HistoryEvent struct {
	Seq         int64     `json:"seq"`
	At          time.Time `json:"at"`
	Kind        string    `json:"kind"`
	Coordinator string    `json:"coordinator"`
	DeviceID    uint32    `json:"device_id"`
	ChipType    uint16    `json:"chip_type"`
	Revision    uint16    `json:"revision"`
	Node        string    `json:"node"`
	Detail      string    `json:"detail,omitempty"`
}

//#endregion bodies

//#region inputs and outputs

type StartDownloadInput struct {
	Body DownloadRequest
}

type CancelDownloadInput struct {
	Coordinator string `query:"coordinator" required:"true" example:"fd04:bd3:80e8:2::1"`
	DeviceID    uint32 `query:"device_id" required:"true"`
	ChipType    uint16 `query:"chip_type"`
	Revision    uint16 `query:"revision"`
}

type CancelDownloadOutput struct {
	Body CancelResult
}

type ListDownloadsOutput struct {
	Body []Download
}

type RequestResetInput struct {
	Body ResetRequest
}

type StatusOutput struct {
	Body []NodeStatus
}

type FirmwaresOutput struct {
	Body []Firmware
}

type HistoryInput struct {
	Limit int `query:"limit" default:"20" minimum:"1" maximum:"1000" doc:"maximum number of events to return, newest first"`
}

type HistoryOutput struct {
	Body []HistoryEvent
}

//#endregion inputs and outputs

// buildEndpoints registers every route on the server's api.
func (s *Server) buildEndpoints() {
	huma.Register(s.endpoint.api, huma.Operation{
		OperationID:   OP_START_DOWNLOAD,
		Method:        http.MethodPost,
		Path:          EP_DOWNLOADS,
		Summary:       "Start a download",
		Description:   "Broadcast a loaded firmware to every node behind a coordinator. Returns once the download has started.",
		DefaultStatus: EXPECTED_STATUS_START_DOWNLOAD,
	}, s.handleStartDownload)
	huma.Register(s.endpoint.api, huma.Operation{
		OperationID:   OP_CANCEL_DOWNLOAD,
		Method:        http.MethodDelete,
		Path:          EP_DOWNLOADS,
		Summary:       "Cancel a download",
		Description:   "Stop the download (if any) and forget every status record of the firmware behind the coordinator.",
		DefaultStatus: EXPECTED_STATUS_CANCEL_DOWNLOAD,
	}, s.handleCancelDownload)
	huma.Register(s.endpoint.api, huma.Operation{
		OperationID: OP_LIST_DOWNLOADS,
		Method:      http.MethodGet,
		Path:        EP_DOWNLOADS,
		Summary:     "List in-flight downloads",
	}, s.handleListDownloads)
	huma.Register(s.endpoint.api, huma.Operation{
		OperationID:   OP_REQUEST_RESET,
		Method:        http.MethodPost,
		Path:          EP_RESETS,
		Summary:       "Request a reset",
		DefaultStatus: EXPECTED_STATUS_REQUEST_RESET,
	}, s.handleRequestReset)
	huma.Register(s.endpoint.api, huma.Operation{
		OperationID: OP_STATUS,
		Method:      http.MethodGet,
		Path:        EP_STATUS,
		Summary:     "Per-node download progress",
	}, s.handleStatus)
	huma.Register(s.endpoint.api, huma.Operation{
		OperationID: OP_FIRMWARES,
		Method:      http.MethodGet,
		Path:        EP_FIRMWARES,
		Summary:     "List loaded firmware",
	}, s.handleFirmwares)
	huma.Register(s.endpoint.api, huma.Operation{
		OperationID: OP_HISTORY,
		Method:      http.MethodGet,
		Path:        EP_HISTORY,
		Summary:     "Recently finished downloads, node completions, and resets",
	}, s.handleHistory)
}

//#region handlers

func (s *Server) handleStartDownload(_ context.Context, req *StartDownloadInput) (*struct{}, error) {
	coord, err := netip.ParseAddr(req.Body.Coordinator)
	if err != nil {
		return nil, HErrBadCoordinator(req.Body.Coordinator, OP_START_DOWNLOAD)
	}
	var flags distributor.Flags
	if req.Body.Inform {
		flags |= distributor.InitiateOnly
	}
	if req.Body.Reset {
		flags |= distributor.ImmediateReset
	}
	id := req.Body.ID()
	s.log.Debug().Func(id.Zerolog).Str("coordinator", coord.String()).Uint16("interval", req.Body.BlockInterval).Msg("start download requested")

	switch err := s.dist.StartDownload(id, coord, req.Body.BlockInterval, flags); {
	case err == nil:
		return nil, nil
	case errors.Is(err, ond.ErrNotFound):
		return nil, HErrNotFound(id, OP_START_DOWNLOAD)
	case errors.Is(err, ond.ErrAlreadyRunning):
		return nil, HErrAlreadyRunning(id, misc.Unmap(coord), OP_START_DOWNLOAD)
	default:
		return nil, HErrUnavailable(err, OP_START_DOWNLOAD)
	}
}

func (s *Server) handleCancelDownload(_ context.Context, req *CancelDownloadInput) (*CancelDownloadOutput, error) {
	coord, err := netip.ParseAddr(req.Coordinator)
	if err != nil {
		return nil, HErrBadCoordinator(req.Coordinator, OP_CANCEL_DOWNLOAD)
	}
	id := ond.FirmwareID{DeviceID: req.DeviceID, ChipType: req.ChipType, Revision: req.Revision}
	resp := &CancelDownloadOutput{}
	resp.Body.WasRunning = s.dist.CancelDownload(id, coord)
	s.log.Debug().Func(id.Zerolog).Str("coordinator", coord.String()).Bool("was running", resp.Body.WasRunning).Msg("cancel requested")
	return resp, nil
}

func (s *Server) handleListDownloads(context.Context, *struct{}) (*ListDownloadsOutput, error) {
	active := s.dist.Active()
	resp := &ListDownloadsOutput{Body: make([]Download, len(active))}
	for i, a := range active {
		resp.Body[i] = Download{
			Coordinator:   a.Coordinator.String(),
			DeviceID:      a.ID.DeviceID,
			ChipType:      a.ID.ChipType,
			Revision:      a.ID.Revision,
			State:         a.State,
			BlockInterval: a.Interval,
			Inform:        a.Flags&distributor.InitiateOnly != 0,
			Reset:         a.Flags&distributor.ImmediateReset != 0,
			Started:       a.Started,
		}
	}
	return resp, nil
}

func (s *Server) handleRequestReset(_ context.Context, req *RequestResetInput) (*struct{}, error) {
	b := req.Body
	coord, err := netip.ParseAddr(b.Coordinator)
	if err != nil {
		return nil, HErrBadCoordinator(b.Coordinator, OP_REQUEST_RESET)
	}
	if uint32(b.RepeatTime)*uint32(b.RepeatCount) > uint32(b.Timeout) {
		return nil, HErrResetWindow(b.RepeatCount, b.RepeatTime, b.Timeout, OP_REQUEST_RESET)
	}
	if err := s.dist.RequestReset(coord, b.DeviceID, b.Timeout, b.DepthInfluence, b.RepeatCount, b.RepeatTime); err != nil {
		return nil, HErrUnavailable(err, OP_REQUEST_RESET)
	}
	return nil, nil
}

func (s *Server) handleStatus(context.Context, *struct{}) (*StatusOutput, error) {
	snap := s.st.Snapshot()
	resp := &StatusOutput{Body: make([]NodeStatus, len(snap))}
	for i, r := range snap {
		resp.Body[i] = nodeStatus(r)
	}
	return resp, nil
}

func (s *Server) handleFirmwares(context.Context, *struct{}) (*FirmwaresOutput, error) {
	infos := s.fw.List()
	resp := &FirmwaresOutput{Body: make([]Firmware, len(infos))}
	for i, fi := range infos {
		resp.Body[i] = Firmware{
			Name:     fi.Name,
			Path:     fi.Path,
			DeviceID: fi.ID.DeviceID,
			ChipType: fi.ID.ChipType,
			Revision: fi.ID.Revision,
			Size:     fi.Size,
			Timeout:  fi.Timeout,
			Loaded:   fi.Loaded,
		}
	}
	return resp, nil
}

func (s *Server) handleHistory(ctx context.Context, req *HistoryInput) (*HistoryOutput, error) {
	if s.hist == nil {
		return nil, HErrNoHistory(OP_HISTORY)
	}
	evs, err := s.hist.Recent(ctx, req.Limit)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read history")
		return nil, huma.Error500InternalServerError("failed to read history", err)
	}
	resp := &HistoryOutput{Body: make([]HistoryEvent, len(evs))}
	for i, ev := range evs {
		resp.Body[i] = HistoryEvent{
			Seq:         ev.Seq,
			At:          ev.At,
			Kind:        string(ev.Kind),
			Coordinator: ev.Coordinator.String(),
			DeviceID:    ev.ID.DeviceID,
			ChipType:    ev.ID.ChipType,
			Revision:    ev.ID.Revision,
			Node:        ev.Node.String(),
			Detail:      ev.Detail,
		}
	}
	return resp, nil
}

//#endregion handlers

func nodeStatus(r status.Record) NodeStatus {
	return NodeStatus{
		Coordinator: r.Coordinator.String(),
		DeviceID:    r.ID.DeviceID,
		ChipType:    r.ID.ChipType,
		Revision:    r.ID.Revision,
		Node:        r.Node.String(),
		Remaining:   r.Remaining,
		Total:       r.Total,
		Updated:     r.Updated,
	}
}

// compile-time checks that the real components satisfy the server's interfaces
var (
	_ Engine        = (*distributor.Distributor)(nil)
	_ Firmwares     = (*firmware.Store)(nil)
	_ Statuses      = (*status.Store)(nil)
	_ HistoryReader = (*history.DB)(nil)
)
