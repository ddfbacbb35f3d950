package dbsession

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/multi-agent/shellgui/pkg/logger"
)

// DataCapabilities 会话数据中缓存能力探测结果的键。
const DataCapabilities = "capabilities"

const keepAliveTaskID = "__keepalive__"

// SetupTask 每次 (重) 连接时按顺序执行的钩子。全部在 owner goroutine 上调用。
type SetupTask interface {
	Name() string
	// BeforeConnect 拨号前调用, 可修改本次拨号使用的 opts。
	BeforeConnect(ctx context.Context, s *Session, opts Options) error
	// AfterConnect 连接建立后调用, 只能通过 c 访问数据库。
	AfterConnect(ctx context.Context, s *Session, c Conn) error
	// OnClose 会话关闭时调用。
	OnClose(s *Session)
}

// BaseSetupTask 空实现, 供具体任务嵌入。
type BaseSetupTask struct{}

func (BaseSetupTask) BeforeConnect(context.Context, *Session, Options) error { return nil }
func (BaseSetupTask) AfterConnect(context.Context, *Session, Conn) error     { return nil }
func (BaseSetupTask) OnClose(*Session)                                       {}

// buildSetupPipeline 固定顺序: 元数据 → 能力探测 → 隧道 → 参数剥离 → 保活 → 自定义。
func buildSetupPipeline(cfg Config) []SetupTask {
	tasks := []SetupTask{metadataTask{}, capabilityTask{force: cfg.ForceDetect}}
	if cfg.Tunnel != nil {
		tasks = append(tasks, cfg.Tunnel)
	}
	if len(cfg.StripOptions) > 0 {
		tasks = append(tasks, stripOptionsTask{keys: cfg.StripOptions})
	}
	if cfg.PingInterval > 0 {
		tasks = append(tasks, &keepAliveTask{interval: cfg.PingInterval})
	}
	return append(tasks, cfg.Setup...)
}

// ─── 元数据 ───

type metadataTask struct{ BaseSetupTask }

func (metadataTask) Name() string { return "metadata" }

func (metadataTask) AfterConnect(ctx context.Context, s *Session, c Conn) error {
	d, ok := s.driver.(Describer)
	if !ok {
		return nil
	}
	info, err := d.Describe(ctx, c)
	if err != nil {
		return err
	}
	s.setInfo(info)
	return nil
}

// ─── 能力探测 (结果缓存在会话数据中, 跨重连保留) ───

type capabilityTask struct {
	BaseSetupTask
	force bool
}

func (capabilityTask) Name() string { return "capabilities" }

func (t capabilityTask) AfterConnect(ctx context.Context, s *Session, c Conn) error {
	det, ok := s.driver.(CapabilityDetector)
	if !ok {
		return nil
	}
	if _, cached := s.Data(DataCapabilities); cached && !t.force {
		return nil
	}
	caps, err := det.DetectCapabilities(ctx, c)
	if err != nil {
		// 能力探测失败不影响连接可用性
		logger.Warn("dbsession: capability detection failed",
			logger.FieldDBSession, s.id, logger.FieldError, err)
		return nil
	}
	s.SetData(DataCapabilities, caps)
	return nil
}

// Capabilities 返回缓存的能力表。
func (s *Session) Capabilities() map[string]bool {
	v, _ := s.Data(DataCapabilities)
	caps, _ := v.(map[string]bool)
	return caps
}

// ─── 隧道 / 跳板机重新认证 ───

// ErrAccessDenied 隧道认证被拒绝, TunnelTask 会重试。
var ErrAccessDenied = errors.New("access denied")

// TunnelTask 拨号前建立网络隧道。Establish 返回需要合并进拨号参数的键值
// (通常是本地转发后的 host/port)。认证被拒绝时最多尝试 Attempts 次。
type TunnelTask struct {
	BaseSetupTask
	Establish func(ctx context.Context, opts Options) (Options, error)
	Close     func()
	Attempts  int
	Delay     time.Duration
}

func (t *TunnelTask) Name() string { return "tunnel" }

func (t *TunnelTask) BeforeConnect(ctx context.Context, s *Session, opts Options) error {
	if t.Establish == nil {
		return nil
	}
	attempts := t.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	attempt := 0
	op := func() error {
		attempt++
		extra, err := t.Establish(ctx, opts)
		if err != nil {
			if errors.Is(err, ErrAccessDenied) || s.driver.Classify(err) == ClassAccessDenied {
				logger.Warn("dbsession: tunnel authentication rejected",
					logger.FieldDBSession, s.id, logger.FieldAttempt, attempt)
				return err
			}
			return backoff.Permanent(err)
		}
		for k, v := range extra {
			opts[k] = v
		}
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(t.Delay), uint64(attempts-1)), ctx)
	return backoff.Retry(op, b)
}

func (t *TunnelTask) OnClose(*Session) {
	if t.Close != nil {
		t.Close()
	}
}

// ─── 参数剥离 ───

type stripOptionsTask struct {
	BaseSetupTask
	keys []string
}

func (stripOptionsTask) Name() string { return "strip_options" }

func (t stripOptionsTask) AfterConnect(_ context.Context, s *Session, _ Conn) error {
	live := s.Options()
	for _, k := range t.keys {
		delete(live, k)
	}
	s.setLiveOptions(live)
	return nil
}

// ─── 保活 ───

type keepAliveTask struct {
	BaseSetupTask
	interval time.Duration

	once sync.Once
	stop chan struct{}
}

func (*keepAliveTask) Name() string { return "keep_alive" }

// AfterConnect 首次连接时启动唯一的 ticker, 重连不重复启动。
func (t *keepAliveTask) AfterConnect(_ context.Context, s *Session, _ Conn) error {
	t.once.Do(func() {
		stop := make(chan struct{})
		t.stop = stop
		go t.run(s, stop)
	})
	return nil
}

func (t *keepAliveTask) run(s *Session, stop <-chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.quit:
			return
		case <-ticker.C:
			if s.HasTask(keepAliveTaskID) {
				continue
			}
			err := s.Submit(context.Background(), keepAliveTaskID,
				func(ctx context.Context, x Execer) (*Result, error) {
					return nil, x.(*runner).ping(ctx)
				},
				func(_ *Result, err error) {
					if err != nil {
						logger.Warn("dbsession: keep-alive ping failed",
							logger.FieldDBSession, s.id, logger.FieldError, err)
					}
				})
			if err != nil {
				return
			}
		}
	}
}

func (t *keepAliveTask) OnClose(*Session) {
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
}
