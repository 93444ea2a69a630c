package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/relaydesk/dispatch/pkg/errors"
)

// Handler registers a group of routes on the API router.
type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

// HTTPStatus maps an application error to its HTTP status code.
func HTTPStatus(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrBadRequest:
		return http.StatusBadRequest
	case apperrors.ErrConflict:
		return http.StatusConflict
	case apperrors.ErrUnprocessable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Error writes the error as a JSON response with the mapped status code.
func Error(c *gin.Context, err error) {
	c.JSON(HTTPStatus(err), NewErrorResponse(err.Error()))
}
