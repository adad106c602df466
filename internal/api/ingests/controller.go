package ingests

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/Mirage/internal/api/util"
	"github.com/hbomb79/Mirage/internal/fetch"
	"github.com/hbomb79/Mirage/internal/http/websocket"
	"github.com/hbomb79/Mirage/internal/ingest"
	"github.com/hbomb79/Mirage/internal/media"
	"github.com/hbomb79/Mirage/pkg/logger"
	"github.com/labstack/echo/v4"
)

type (
	SourceRequest struct {
		References string   `json:"references" validate:"max=65536"`
		Uploads    []string `json:"uploads" validate:"max=64,dive,required,max=4096"`
	}

	// TargetArguments are the arguments of the INGEST_TARGET
	// socket command.
	TargetArguments struct {
		Reference   string `mapstructure:"reference" validate:"max=4096"`
		Upload      string `mapstructure:"upload" validate:"max=4096"`
		DownloadDir string `mapstructure:"download_dir" validate:"max=4096"`
	}

	// SourceDto is the response of the source ingestion endpoint,
	// describing which files were ingested and which previews
	// can be shown.
	SourceDto struct {
		ValidPaths       []string          `json:"valid_paths"`
		HasAudio         bool              `json:"has_audio"`
		HasImage         bool              `json:"has_image"`
		AudioPreviewPath *string           `json:"audio_preview_path"`
		ImagePreviewPath *string           `json:"image_preview_path"`
		Files            []IngestedFileDto `json:"files"`
		Troubles         []TroubleDto      `json:"troubles"`
	}

	IngestedFileDto struct {
		Reference    string       `json:"reference"`
		Path         string       `json:"path"`
		Kind         MediaKindDto `json:"kind"`
		SizeBytes    int64        `json:"size_bytes"`
		Oversized    bool         `json:"oversized"`
		Relocated    bool         `json:"relocated"`
		DetectedMIME *string      `json:"detected_mime"`
	}

	TroubleDto struct {
		Type      TroubleTypeDto `json:"type"`
		Reference string         `json:"reference"`
		Message   string         `json:"message"`
		Error     string         `json:"error"`
	}

	UploadDto struct {
		Path string `json:"path"`
	}

	MediaKindDto   string
	TroubleTypeDto string

	Service interface {
		IngestMany(context.Context, ingest.SourceRequest) *ingest.Result
		IngestSingle(context.Context, ingest.TargetRequest) <-chan ingest.Event
	}

	// Controller is the struct which is responsible for defining the
	// routes for this controller. Additionally, it holds the reference to
	// the service used to perform the ingestions.
	Controller struct {
		service  Service
		validate *validator.Validate
		upgrader *websocket.Upgrader
	}
)

var controllerLogger = logger.Get("IngestsController")

const (
	IMAGE   MediaKindDto = "IMAGE"
	AUDIO   MediaKindDto = "AUDIO"
	VIDEO   MediaKindDto = "VIDEO"
	UNKNOWN MediaKindDto = "UNKNOWN"

	INVALID_REFERENCE      TroubleTypeDto = "INVALID_REFERENCE"
	FETCH_FAILED           TroubleTypeDto = "FETCH_FAILED"
	FILE_VANISHED          TroubleTypeDto = "FILE_VANISHED"
	CONTAINMENT_FAILED     TroubleTypeDto = "CONTAINMENT_FAILED"
	UNSUPPORTED_MEDIA_KIND TroubleTypeDto = "UNSUPPORTED_MEDIA_KIND"
	UNKNOWN_FAILURE        TroubleTypeDto = "UNKNOWN_FAILURE"

	targetCommandTitle  = "INGEST_TARGET"
	targetProgressTitle = "TARGET_PROGRESS"
	targetDoneTitle     = "TARGET_DONE"
	targetInvalidTitle  = "TARGET_INVALID"
	commandFailureTitle = "COMMAND_FAILURE"

	uploadFormField = "file"
	uploadPrefix    = "mirage-upload-"
)

func New(validate *validator.Validate, service Service) *Controller {
	return &Controller{service: service, validate: validate, upgrader: websocket.NewUpgrader()}
}

// SetRoutes accepts the Echo group for the ingest endpoints
// and sets the routes on them.
func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/source/", controller.postSource)
	eg.POST("/uploads/", controller.postUpload)
	eg.GET("/target/ws/", controller.targetSocket)
}

// postSource ingests the batch of source references provided in the
// request body, returning the files which were successfully ingested.
func (controller *Controller) postSource(ec echo.Context) error {
	var request SourceRequest
	if err := ec.Bind(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("JSON body illegal: %v", err))
	}
	if err := controller.validate.Struct(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result := controller.service.IngestMany(ec.Request().Context(), ingest.SourceRequest{
		References: request.References,
		Uploads:    request.Uploads,
	})

	return ec.JSON(http.StatusOK, NewSourceDto(result))
}

// postUpload stores the multipart file provided in the temp root, returning
// the path it was saved to. This path can be used as an upload in
// subsequent ingestions.
func (controller *Controller) postUpload(ec echo.Context) error {
	header, err := ec.FormFile(uploadFormField)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("multipart form must contain a '%s' file: %v", uploadFormField, err))
	}

	src, err := header.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("uploaded file could not be read: %v", err))
	}
	defer src.Close()

	dest, err := os.CreateTemp("", uploadPrefix+"*"+fetch.ExtensionOf(header.Filename))
	if err != nil {
		controllerLogger.Emit(logger.ERROR, "Failed to allocate file for upload %s: %v\n", header.Filename, err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	if _, err := io.Copy(dest, src); err != nil {
		dest.Close()
		os.Remove(dest.Name())
		controllerLogger.Emit(logger.ERROR, "Failed to store upload %s: %v\n", header.Filename, err)
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	if err := dest.Close(); err != nil {
		os.Remove(dest.Name())
		return echo.NewHTTPError(http.StatusInternalServerError)
	}

	controllerLogger.Emit(logger.SUCCESS, "Stored upload %s (%d bytes) at %s\n", header.Filename, header.Size, dest.Name())
	return ec.JSON(http.StatusCreated, UploadDto{Path: dest.Name()})
}

// targetSocket upgrades the request to a websocket, and waits for the
// client to send a single INGEST_TARGET command. The progress of the
// ingestion is streamed back to the client, after which the socket
// is closed. If the client disconnects the ingestion is abandoned.
func (controller *Controller) targetSocket(ec echo.Context) error {
	session, err := controller.upgrader.Upgrade(ec.Response(), ec.Request())
	if err != nil {
		return nil
	}
	defer session.Close()

	command, err := session.Receive()
	if err != nil {
		controllerLogger.Emit(logger.WARNING, "Session {%v} closed before a command was received: %v\n", session.ID(), err)
		return nil
	}

	args, err := controller.parseTargetCommand(command)
	if err != nil {
		controllerLogger.Emit(logger.WARNING, "Session {%v} sent an illegal command: %v\n", session.ID(), err)
		session.Send(command.FormReply(commandFailureTitle, map[string]interface{}{"error": err.Error()}, websocket.ErrorResponse))
		return nil
	}

	ctx, cancel := context.WithCancel(ec.Request().Context())
	defer cancel()

	// The hijacked request's context is not cancelled when the client goes
	// away, so a read loop is used to detect the disconnect.
	go func() {
		defer cancel()
		for {
			if _, err := session.Receive(); err != nil {
				return
			}
		}
	}()

	events := controller.service.IngestSingle(ctx, ingest.TargetRequest{
		Reference:   args.Reference,
		Upload:      args.Upload,
		DownloadDir: args.DownloadDir,
	})
	abandoned := false
	for event := range events {
		if abandoned {
			continue
		}

		title, body, replyType := eventToReply(event)
		if err := session.Send(command.FormReply(title, body, replyType)); err != nil {
			controllerLogger.Emit(logger.WARNING, "Failed to send %s to session {%v}, abandoning ingestion: %v\n", title, session.ID(), err)
			abandoned = true
			cancel()
		}
	}

	return nil
}

func (controller *Controller) parseTargetCommand(command *websocket.SocketMessage) (*TargetArguments, error) {
	if command.Type != websocket.Command || command.Title != targetCommandTitle {
		return nil, fmt.Errorf("expected %s command, received '%s' (%s)", targetCommandTitle, command.Title, command.Type)
	}

	var args TargetArguments
	if err := command.DecodeArguments(&args); err != nil {
		return nil, err
	}
	if err := controller.validate.Struct(args); err != nil {
		return nil, err
	}

	return &args, nil
}

func eventToReply(event ingest.Event) (string, map[string]interface{}, websocket.SocketMessageType) {
	body := map[string]interface{}{"message": event.Message}
	switch event.Kind {
	case ingest.DONE_EVENT:
		body["file"] = NewIngestedFileDto(*event.File)
		return targetDoneTitle, body, websocket.Response
	case ingest.INVALID_EVENT:
		if event.Trouble != nil {
			body["trouble"] = NewTroubleDto(event.Trouble)
		}
		return targetInvalidTitle, body, websocket.ErrorResponse
	default:
		if event.Progress != nil {
			body["downloaded"] = event.Progress.Downloaded
			body["total"] = event.Progress.Total
		}
		return targetProgressTitle, body, websocket.Update
	}
}

func NewSourceDto(result *ingest.Result) SourceDto {
	summary := result.Summary()
	return SourceDto{
		ValidPaths:       summary.ValidPaths,
		HasAudio:         summary.HasAudio,
		HasImage:         summary.HasImage,
		AudioPreviewPath: util.NilIfZero(summary.AudioPreviewPath),
		ImagePreviewPath: util.NilIfZero(summary.ImagePreviewPath),
		Files:            util.ApplyConversion(result.Files, NewIngestedFileDto),
		Troubles:         util.ApplyConversion(result.Troubles, NewTroubleDto),
	}
}

func NewIngestedFileDto(file ingest.IngestedFile) IngestedFileDto {
	return IngestedFileDto{
		Reference:    file.Reference,
		Path:         file.Path,
		Kind:         MediaKindModelToDto(file.Kind),
		SizeBytes:    file.SizeBytes,
		Oversized:    file.Oversized,
		Relocated:    file.Relocated,
		DetectedMIME: util.NilIfZero(file.DetectedMIME),
	}
}

func NewTroubleDto(trouble *ingest.Trouble) TroubleDto {
	return TroubleDto{
		Type:      TroubleTypeModelToDto(trouble.Type()),
		Reference: trouble.Reference(),
		Message:   trouble.Message(),
		Error:     trouble.Error(),
	}
}

func MediaKindModelToDto(kind media.Kind) MediaKindDto {
	switch kind {
	case media.Image:
		return IMAGE
	case media.Audio:
		return AUDIO
	case media.Video:
		return VIDEO
	default:
		return UNKNOWN
	}
}

func TroubleTypeModelToDto(troubleType ingest.TroubleType) TroubleTypeDto {
	switch troubleType {
	case ingest.INVALID_REFERENCE:
		return INVALID_REFERENCE
	case ingest.FETCH_FAILED:
		return FETCH_FAILED
	case ingest.FILE_VANISHED:
		return FILE_VANISHED
	case ingest.CONTAINMENT_FAILED:
		return CONTAINMENT_FAILED
	case ingest.UNSUPPORTED_MEDIA_KIND:
		return UNSUPPORTED_MEDIA_KIND
	default:
		return UNKNOWN_FAILURE
	}
}
