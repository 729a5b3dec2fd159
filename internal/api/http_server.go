package api

import (
	"atelier/internal/auth"
	"atelier/internal/config"
	"atelier/internal/credits"
	"atelier/internal/jobs"
	"atelier/internal/model"
	"atelier/internal/service"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPHandler HTTP 请求处理器
type HTTPHandler struct {
	cfg         config.Config
	repo        model.Repository
	authManager *auth.Manager

	// 服务层
	creationService *service.CreationService
	ledger          *credits.Ledger

	// 任务回调
	runner   *jobs.Runner
	verifier *jobs.SignatureVerifier
}

// NewHTTPHandler 创建 HTTP 处理器实例
func NewHTTPHandler(cfg config.Config, repo model.Repository, creationSvc *service.CreationService, ledger *credits.Ledger, runner *jobs.Runner) (*HTTPHandler, error) {
	expiry := time.Duration(cfg.JWTExpirationMinutes) * time.Minute
	authManager, err := auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer, expiry)
	if err != nil {
		return nil, err
	}

	handler := &HTTPHandler{
		cfg:             cfg,
		repo:            repo,
		authManager:     authManager,
		creationService: creationSvc,
		ledger:          ledger,
		runner:          runner,
	}

	// 队列回调签名校验。未配置签名密钥时 worker 回调一律拒绝。
	verifier, err := jobs.NewSignatureVerifier(cfg.QueueSigningKeyCurrent, cfg.QueueSigningKeyNext)
	if err != nil {
		logrus.WithError(err).Warn("queue signing keys not configured, worker callbacks will be rejected")
	} else {
		handler.verifier = verifier
	}

	return handler, nil
}
