package main

import (
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/therealutkarshpriyadarshi/keyserve/internal/widevine"
	"github.com/therealutkarshpriyadarshi/keyserve/pkg/models"
)

// healthCheck handles health check requests
func (api *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// fetchKeys drives a license fetch cycle for the request shape selected by
// the body.
func (api *API) fetchKeys(c *gin.Context) {
	var req models.FetchKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return
	}

	params, err := requestParams(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	if err := api.source.FetchKeys(c.Request.Context(), *params); err != nil {
		api.logger.ErrorWithErr("License fetch failed", err)
		c.JSON(fetchStatusCode(err), models.ErrorResponse{
			Error: err.Error(),
			Code:  widevine.CodeOf(err).String(),
		})
		return
	}

	c.JSON(http.StatusOK, models.FetchKeysResponse{
		Mode:   params.Mode.String(),
		Status: "ok",
	})
}

// getKey returns the resolved key for one track type.
func (api *API) getKey(c *gin.Context) {
	trackType := widevine.TrackTypeFromString(c.Param("type"))
	key, err := api.source.GetKey(trackType)
	if err != nil {
		c.JSON(lookupStatusCode(err), models.ErrorResponse{
			Error: err.Error(),
			Code:  widevine.CodeOf(err).String(),
		})
		return
	}
	c.JSON(http.StatusOK, keyResponse(trackType, key))
}

// getCryptoPeriodKey returns the key for one crypto period and track type,
// advancing the rotation window if needed.
func (api *API) getCryptoPeriodKey(c *gin.Context) {
	index, err := strconv.ParseUint(c.Param("index"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid crypto period index"})
		return
	}
	trackType := widevine.TrackTypeFromString(c.Param("type"))
	key, err := api.source.GetCryptoPeriodKey(c.Request.Context(), uint32(index), trackType)
	if err != nil {
		c.JSON(lookupStatusCode(err), models.ErrorResponse{
			Error: err.Error(),
			Code:  widevine.CodeOf(err).String(),
		})
		return
	}
	c.JSON(http.StatusOK, keyResponse(trackType, key))
}

// requestParams maps the API body onto exactly one request shape.
func requestParams(req *models.FetchKeysRequest) (*widevine.RequestParams, error) {
	var params widevine.RequestParams
	shapes := 0

	if req.ContentID != "" {
		contentID, err := base64.StdEncoding.DecodeString(req.ContentID)
		if err != nil {
			return nil, errInvalidField("content_id")
		}
		params = widevine.ContentIDRequest(contentID, req.Policy)
		shapes++
	}
	if req.AssetID != nil {
		params = widevine.ClassicRequest(*req.AssetID)
		shapes++
	}
	if req.PsshBox != "" {
		box, err := base64.StdEncoding.DecodeString(req.PsshBox)
		if err != nil {
			return nil, errInvalidField("pssh_box")
		}
		params, err = widevine.PsshBoxRequest(box)
		if err != nil {
			return nil, err
		}
		shapes++
	}
	if req.PsshData != "" {
		data, err := base64.StdEncoding.DecodeString(req.PsshData)
		if err != nil {
			return nil, errInvalidField("pssh_data")
		}
		params = widevine.PsshDataRequest(data)
		shapes++
	}
	if len(req.KeyIDs) > 0 {
		keyIDs := make([][]byte, 0, len(req.KeyIDs))
		for _, s := range req.KeyIDs {
			id, err := hex.DecodeString(s)
			if err != nil {
				return nil, errInvalidField("key_ids")
			}
			keyIDs = append(keyIDs, id)
		}
		params = widevine.KeyIDsRequest(keyIDs)
		shapes++
	}

	if shapes != 1 {
		return nil, errExactlyOneShape
	}
	return &params, nil
}

var errExactlyOneShape = &fieldError{msg: "exactly one of content_id, asset_id, pssh_box, pssh_data, key_ids must be set"}

type fieldError struct{ msg string }

func (e *fieldError) Error() string { return e.msg }

func errInvalidField(name string) error {
	return &fieldError{msg: "invalid " + name}
}

func keyResponse(trackType widevine.TrackType, key *widevine.EncryptionKey) models.KeyResponse {
	resp := models.KeyResponse{
		TrackType: trackType.String(),
		KeyID:     base64.StdEncoding.EncodeToString(key.KeyID),
		Key:       base64.StdEncoding.EncodeToString(key.Key),
	}
	for _, info := range key.KeySystemInfo {
		entry := models.KeySystemInfoResponse{
			SystemID: hex.EncodeToString(info.SystemID),
			PsshData: base64.StdEncoding.EncodeToString(info.PsshData),
		}
		for _, id := range info.KeyIDs {
			entry.KeyIDs = append(entry.KeyIDs, hex.EncodeToString(id))
		}
		resp.KeySystems = append(resp.KeySystems, entry)
	}
	return resp
}

// fetchStatusCode maps fetch cycle failures to HTTP statuses.
func fetchStatusCode(err error) int {
	switch widevine.CodeOf(err) {
	case widevine.CodeInvalidArgument:
		return http.StatusBadRequest
	case widevine.CodeServer, widevine.CodeParse:
		return http.StatusBadGateway
	case widevine.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// lookupStatusCode maps cache lookup failures to HTTP statuses.
func lookupStatusCode(err error) int {
	switch widevine.CodeOf(err) {
	case widevine.CodeNotFound:
		return http.StatusNotFound
	case widevine.CodeInvalidArgument:
		return http.StatusBadRequest
	default:
		return fetchStatusCode(err)
	}
}
