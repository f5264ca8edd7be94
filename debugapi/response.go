package debugapi

import (
	"net/http"

	"github.com/dfarchon/darkforest-mud-sub002/common"
	"github.com/dfarchon/darkforest-mud-sub002/coordinator"
	"github.com/gin-gonic/gin"
)

func successResponse(c *gin.Context, message string, data ...interface{}) {
	response := gin.H{
		"message": message,
	}
	if len(data) > 0 {
		response["data"] = data[0]
	}
	c.JSON(http.StatusOK, response)
}

func errorResponse(c *gin.Context, status int, message string, err ...error) {
	response := gin.H{
		"message": message,
	}
	if len(err) > 0 && err[0] != nil {
		response["error"] = common.Unwrap(err[0]).Error()
	}
	c.JSON(status, response)
}

func badReq(err error, c *gin.Context) {
	errorResponse(c, http.StatusBadRequest, "invalid request", err)
}

// txError answers the errors of the cancel and prioritize endpoints
func txError(err error, c *gin.Context) {
	if common.Unwrap(err) == coordinator.ErrTxNotQueued {
		errorResponse(c, http.StatusConflict, "transaction is not queued", err)
		return
	}
	errorResponse(c, http.StatusInternalServerError, "internal error", err)
}

func handleNoRoute(c *gin.Context) {
	errorResponse(c, http.StatusNotFound, "404 page not found")
}
