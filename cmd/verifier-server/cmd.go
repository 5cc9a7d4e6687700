package main

import (
	"encoding/hex"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	flag "github.com/spf13/pflag"
	"go.vocdoni.io/dvote/log"
)

var port, dir, verifierBin string

// api wraps the external verifier binary behind the http interface the
// matchmaker node expects
type api struct {
	r *gin.Engine
	sync.Mutex

	lastID int
}

func main() {
	flag.StringVarP(&port, "port", "p", "9000", "network port for the HTTP API")
	flag.StringVarP(&dir, "dir", "d", "~/.verifierserver", "working files directory")
	flag.StringVar(&verifierBin, "bin", "./verifier", "path of the verifier binary")
	flag.Parse()

	log.Init("info", "stdout")

	if err := os.MkdirAll(dir, 0700); err != nil {
		log.Fatal(err)
	}

	a := api{}
	a.r = gin.Default()
	a.lastID = 0

	a.r.GET("/status", a.getStatus)
	a.r.POST("/verify", a.postVerify)

	err := a.r.Run(":" + port)
	if err != nil {
		log.Fatal(err)
	}
}

type errorMsg struct {
	Message string `json:"message"`
}

func returnErr(c *gin.Context, err error) {
	log.Warnw("HTTP API Bad request error", "err", err)
	c.JSON(http.StatusBadRequest, errorMsg{
		Message: err.Error(),
	})
}

type verifyReq struct {
	Payload hexutil.Bytes `json:"payload"`
	Proof   hexutil.Bytes `json:"proof"`
}

func (a *api) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

// postVerify stores the payload and proof on disk and runs the verifier
// binary over them. Exit code zero means the proof is valid, a non-zero exit
// means it is not; any other failure is reported as an error.
func (a *api) postVerify(c *gin.Context) {
	var req verifyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		returnErr(c, err)
		return
	}

	a.Lock()
	a.lastID++
	id := strconv.Itoa(a.lastID)
	a.Unlock()

	payloadFile := filepath.Join(dir, "payload"+id+".hex")
	proofFile := filepath.Join(dir, "proof"+id+".hex")
	err := os.WriteFile(payloadFile, []byte(hex.EncodeToString(req.Payload)), 0600)
	if err != nil {
		returnErr(c, err)
		return
	}
	err = os.WriteFile(proofFile, []byte(hex.EncodeToString(req.Proof)), 0600)
	if err != nil {
		returnErr(c, err)
		return
	}

	cmd := exec.Command(verifierBin, payloadFile, proofFile) //nolint:gosec
	stdout, err := cmd.Output()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			log.Infof("proof %s invalid: %s", id, string(stdout))
			c.JSON(http.StatusOK, gin.H{"valid": false})
			return
		}
		log.Error("verifier error:", err)
		c.JSON(http.StatusInternalServerError, errorMsg{Message: err.Error()})
		return
	}

	log.Infof("proof %s valid: %s", id, string(stdout))
	c.JSON(http.StatusOK, gin.H{"valid": true})
}
