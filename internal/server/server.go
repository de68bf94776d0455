// Package server implements the gRPC docsplit manipulation service
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/nainya/docsplit/internal/logger"
	"github.com/nainya/docsplit/pkg/annotation"
	"github.com/nainya/docsplit/pkg/bookmark"
	"github.com/nainya/docsplit/pkg/coords"
	"github.com/nainya/docsplit/pkg/manipulation"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "docsplit.v1.Manipulation"

// ManipulationServer is the service contract. Every message is a
// google.protobuf.Struct.
type ManipulationServer interface {
	OpenDocument(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddRedaction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddRotation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddPageBreak(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddPageDeletion(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RemoveAnnotation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Summarize(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ClassifyAndSave(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PollSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TranslateRect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EncodeBookmark(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DecodeBookmark(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Health(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ManipulationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("OpenDocument", ManipulationServer.OpenDocument),
		unary("AddRedaction", ManipulationServer.AddRedaction),
		unary("AddRotation", ManipulationServer.AddRotation),
		unary("AddPageBreak", ManipulationServer.AddPageBreak),
		unary("AddPageDeletion", ManipulationServer.AddPageDeletion),
		unary("RemoveAnnotation", ManipulationServer.RemoveAnnotation),
		unary("Summarize", ManipulationServer.Summarize),
		unary("ClassifyAndSave", ManipulationServer.ClassifyAndSave),
		unary("PollSession", ManipulationServer.PollSession),
		unary("TranslateRect", ManipulationServer.TranslateRect),
		unary("EncodeBookmark", ManipulationServer.EncodeBookmark),
		unary("DecodeBookmark", ManipulationServer.DecodeBookmark),
		unary("Health", ManipulationServer.Health),
	},
	Streams: []grpc.StreamDesc{},
}

// FullMethod returns the wire path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

type method func(ManipulationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call method) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ManipulationServer), ctx, req.(*structpb.Struct))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Register attaches s to g.
func Register(g *grpc.Server, s ManipulationServer) {
	g.RegisterService(&ServiceDesc, s)
}

// Server implements ManipulationServer over an orchestrator.
type Server struct {
	orch *manipulation.Orchestrator
	log  *logger.Logger

	startTime time.Time
}

// NewServer creates a server instance.
func NewServer(orch *manipulation.Orchestrator, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{orch: orch, log: log, startTime: time.Now()}
}

// ========== Document Operations ==========

func (s *Server) OpenDocument(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	docID, err := requireString(req, "document_id")
	if err != nil {
		return nil, err
	}
	st, err := s.orch.Open(ctx, docID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{
		"summary":     st.Summarize(),
		"annotations": st.Annotations(),
		"metadata":    st.Metadata(),
	})
}

func (s *Server) Summarize(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	docID, err := requireString(req, "document_id")
	if err != nil {
		return nil, err
	}
	st, err := s.orch.State(docID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"summary": st.Summarize()})
}

// ========== Annotation Mutations ==========

func (s *Server) AddRedaction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, docID, err := target(req)
	if err != nil {
		return nil, err
	}
	page, err := requireInt(req, "page_number")
	if err != nil {
		return nil, err
	}
	text := getString(req, "text")

	var red annotation.Redaction
	err = s.orch.Edit(ctx, user, docID, func(st *annotation.State) error {
		if canvas, ok := getRect(req, "canvas_rect"); ok {
			tr, err := translatorFrom(req)
			if err != nil {
				return err
			}
			red, err = st.AddCanvasRedaction(tr, canvas, page, text)
			return err
		}
		rect, ok := getRect(req, "rect")
		if !ok {
			return status.Error(codes.InvalidArgument, "rect or canvas_rect is required")
		}
		// without display state the floor defaults to 1:1 at 100% zoom
		floor := coords.Size{}
		orientation, hasOrientation := getInt(req, "orientation")
		if has(req, "viewport") {
			tr, err := translatorFrom(req)
			if err != nil {
				return err
			}
			floor = tr.MinimumSize()
			if !hasOrientation {
				orientation = tr.Rotation()
			}
		}
		var err error
		red, err = st.AddRedaction(rect, page, orientation, floor, text)
		return err
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"redaction": red})
}

func (s *Server) AddRotation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, docID, err := target(req)
	if err != nil {
		return nil, err
	}
	page, err := requireInt(req, "page_index")
	if err != nil {
		return nil, err
	}
	angle, err := requireInt(req, "rotate")
	if err != nil {
		return nil, err
	}

	var rot annotation.Rotation
	err = s.orch.Edit(ctx, user, docID, func(st *annotation.State) error {
		var err error
		rot, err = st.AddRotation(page, angle)
		return err
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"rotation": rot})
}

func (s *Server) AddPageBreak(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, docID, err := target(req)
	if err != nil {
		return nil, err
	}
	page, err := requireInt(req, "page_index")
	if err != nil {
		return nil, err
	}
	docType := bookmark.Generic()
	if id, ok := getInt(req, "type_id"); ok {
		docType = bookmark.FromWireID(id)
	}
	date, err := getDate(req, "document_date")
	if err != nil {
		return nil, err
	}

	var pb annotation.PageBreak
	err = s.orch.Edit(ctx, user, docID, func(st *annotation.State) error {
		var err error
		pb, err = st.AddPageBreak(page, docType, getString(req, "type_name"), date, getString(req, "comments"))
		return err
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"page_break": pb})
}

func (s *Server) AddPageDeletion(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, docID, err := target(req)
	if err != nil {
		return nil, err
	}
	page, err := requireInt(req, "page_index")
	if err != nil {
		return nil, err
	}

	var del annotation.PageDeletion
	err = s.orch.Edit(ctx, user, docID, func(st *annotation.State) error {
		var err error
		del, err = st.AddPageDeletion(page)
		return err
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"page_deletion": del})
}

func (s *Server) RemoveAnnotation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, docID, err := target(req)
	if err != nil {
		return nil, err
	}
	kindName, err := requireString(req, "kind")
	if err != nil {
		return nil, err
	}
	kind, ok := annotation.ParseKind(kindName)
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown annotation kind %q", kindName)
	}

	var ref annotation.Ref
	switch {
	case getString(req, "guid") != "":
		ref = annotation.ByGUID(getString(req, "guid"))
	case has(req, "id"):
		id, _ := getInt(req, "id")
		ref = annotation.ByID(int64(id))
	case has(req, "page_index"):
		page, _ := getInt(req, "page_index")
		ref = annotation.ByPage(page)
	default:
		return nil, status.Error(codes.InvalidArgument, "guid, id or page_index is required")
	}

	err = s.orch.Edit(ctx, user, docID, func(st *annotation.State) error {
		return st.RemoveAnnotation(kind, ref)
	})
	if err != nil {
		return nil, toStatus(err)
	}
	st, err := s.orch.State(docID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"summary": st.Summarize()})
}

// ========== Saves & Sessions ==========

func (s *Server) ClassifyAndSave(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	user, docID, err := target(req)
	if err != nil {
		return nil, err
	}
	res, err := s.orch.ClassifyAndSave(ctx, user, docID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{
		"kind":       res.Kind,
		"session_id": res.SessionID,
		"segments":   res.Segments,
		"summary":    res.Summary,
	})
}

func (s *Server) PollSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireString(req, "session_id")
	if err != nil {
		return nil, err
	}
	sess, err := s.orch.PollSession(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(map[string]interface{}{"session": sess})
	if err != nil {
		return nil, err
	}
	out.Fields["terminal"] = structpb.NewBoolValue(sess.Status.Terminal())
	out.Fields["updated_at"] = structpb.NewStringValue(timestamp(sess.UpdatedAt))
	return out, nil
}

// ========== Utilities ==========

func (s *Server) TranslateRect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tr, err := translatorFrom(req)
	if err != nil {
		return nil, toStatus(err)
	}
	out := map[string]interface{}{
		"scale_factor": tr.ScaleFactor(),
		"page_size":    tr.PageSize(),
		"rotation":     tr.Rotation(),
		"minimum_size": tr.MinimumSize(),
	}
	if r, ok := getRect(req, "page_rect"); ok {
		out["canvas_rect"] = tr.RectPageToCanvas(r)
	}
	if r, ok := getRect(req, "canvas_rect"); ok {
		out["page_rect"] = tr.RectCanvasToPage(r)
	}
	return toStruct(out)
}

func (s *Server) EncodeBookmark(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	b := bookmark.Bookmark{
		TypeName: getString(req, "type_name"),
		Type:     bookmark.Generic(),
		Comments: getString(req, "comments"),
	}
	if id, ok := getInt(req, "type_id"); ok {
		b.Type = bookmark.FromWireID(id)
	}
	date, err := getDate(req, "document_date")
	if err != nil {
		return nil, err
	}
	b.Date = date

	text, err := bookmark.Encode(b)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{
		"text":    text,
		"display": bookmark.Display(b),
	})
}

func (s *Server) DecodeBookmark(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	text, err := requireString(req, "text")
	if err != nil {
		return nil, err
	}
	b, err := bookmark.Decode(text)
	if err != nil {
		return nil, toStatus(err)
	}
	out := map[string]interface{}{
		"type_name": b.TypeName,
		"type_id":   b.Type.WireID(),
		"generic":   b.Type.IsGeneric(),
		"comments":  b.Comments,
		"display":   bookmark.Display(b),
	}
	if b.Date != nil {
		out["document_date"] = timestamp(*b.Date)
	}
	return toStruct(out)
}

// ========== Health ==========

func (s *Server) Health(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(map[string]interface{}{
		"healthy":        true,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"started_at":     timestamp(s.startTime),
	})
}

// toStatus maps domain errors onto gRPC codes. Validation failures carry
// their reason and any conflicting page break as a Struct detail.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}

	if ve, ok := annotation.AsValidation(err); ok {
		st := status.New(codes.InvalidArgument, err.Error())
		detail := map[string]interface{}{
			"reason":     ve.Reason,
			"kind":       ve.Kind,
			"page_index": ve.PageIndex,
		}
		if ve.Conflict != nil {
			detail["conflict"] = ve.Conflict
		}
		if d, derr := toStruct(detail); derr == nil {
			if withDetail, werr := st.WithDetails(d); werr == nil {
				st = withDetail
			}
		}
		return st.Err()
	}

	switch {
	case errors.Is(err, manipulation.ErrUnknownDocumentType),
		errors.Is(err, bookmark.ErrFormat),
		errors.Is(err, bookmark.ErrDelimiterInName),
		errors.Is(err, coords.ErrDegenerateGeometry),
		errors.Is(err, coords.ErrInvalidRotation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, manipulation.ErrPermissionDenied):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, manipulation.ErrDocumentNotOpen),
		errors.Is(err, manipulation.ErrUnknownSession):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, annotation.ErrSessionInFlight),
		errors.Is(err, annotation.ErrNotReserved),
		errors.Is(err, annotation.ErrSessionMismatch):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// toStruct converts any JSON-encodable value into a Struct.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func timestamp(t time.Time) string {
	return timestamppb.New(t).AsTime().Format(time.RFC3339Nano)
}

func target(req *structpb.Struct) (user, documentID string, err error) {
	if documentID, err = requireString(req, "document_id"); err != nil {
		return "", "", err
	}
	return getString(req, "user"), documentID, nil
}

func has(req *structpb.Struct, key string) bool {
	_, ok := req.GetFields()[key]
	return ok
}

func getString(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func requireString(req *structpb.Struct, key string) (string, error) {
	v := getString(req, key)
	if v == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}

func getNumber(fields map[string]*structpb.Value, key string) (float64, bool) {
	v, ok := fields[key]
	if !ok {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return n.NumberValue, true
}

func getInt(req *structpb.Struct, key string) (int, bool) {
	n, ok := getNumber(req.GetFields(), key)
	return int(n), ok
}

func requireInt(req *structpb.Struct, key string) (int, error) {
	n, ok := getNumber(req.GetFields(), key)
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	if n != float64(int(n)) {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", key)
	}
	return int(n), nil
}

func getFloat(fields map[string]*structpb.Value, key string) float64 {
	n, _ := getNumber(fields, key)
	return n
}

func getRect(req *structpb.Struct, key string) (coords.Rect, bool) {
	s := req.GetFields()[key].GetStructValue()
	if s == nil {
		return coords.Rect{}, false
	}
	f := s.GetFields()
	return coords.Rect{
		X:      getFloat(f, "x"),
		Y:      getFloat(f, "y"),
		Width:  getFloat(f, "width"),
		Height: getFloat(f, "height"),
	}, true
}

// getDate accepts an RFC 3339 timestamp or a bookmark date.
func getDate(req *structpb.Struct, key string) (*time.Time, error) {
	raw := getString(req, key)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		if err := timestamppb.New(t).CheckValid(); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "%s: %v", key, err)
		}
		d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return &d, nil
	}
	if d := bookmark.ParseDate(raw); d != nil {
		return d, nil
	}
	return nil, status.Errorf(codes.InvalidArgument, "%s: unrecognized date %q", key, raw)
}

// translatorFrom builds a translator from the viewport, canvas, zoom and
// page_rotation fields.
func translatorFrom(req *structpb.Struct) (*coords.Translator, error) {
	vp := req.GetFields()["viewport"].GetStructValue()
	if vp == nil {
		return nil, status.Error(codes.InvalidArgument, "viewport is required")
	}
	vf := vp.GetFields()
	cfg := coords.Config{
		Viewport: coords.Viewport{
			Width:    getFloat(vf, "width"),
			Height:   getFloat(vf, "height"),
			Scale:    getFloat(vf, "scale"),
			Rotation: int(getFloat(vf, "rotation")),
		},
		ZoomLevel:    getFloat(req.GetFields(), "zoom"),
		PageRotation: int(getFloat(req.GetFields(), "page_rotation")),
	}
	if c := req.GetFields()["canvas"].GetStructValue(); c != nil {
		cfg.Canvas = coords.Size{
			Width:  getFloat(c.GetFields(), "width"),
			Height: getFloat(c.GetFields(), "height"),
		}
	} else {
		// canvas rendered at the viewport's own scale
		scale := cfg.Viewport.Scale
		if scale <= 0 {
			scale = 1
		}
		cfg.Canvas = coords.Size{
			Width:  cfg.Viewport.Width * scale,
			Height: cfg.Viewport.Height * scale,
		}
	}
	tr, err := coords.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("translator: %w", err)
	}
	return tr, nil
}
