package dbsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/multi-agent/shellgui/pkg/errors"
	"github.com/multi-agent/shellgui/pkg/logger"
)

// ErrClosed 会话已关闭。
var ErrClosed = errors.New("database session closed")

// 默认值, Config 对应字段为零时生效。
const (
	DefaultOpenRetries       = 3
	DefaultOpenRetryDelay    = time.Second
	DefaultReconnectAttempts = 3
	DefaultReconnectDelay    = 5 * time.Second
	DefaultLockTimeout       = 5 * time.Second
	defaultQueueSize         = 64
)

// Config 会话配置。
type Config struct {
	ID      string // 空则生成 uuid
	Driver  Driver
	Options Options
	// Conn 已存在的物理连接: 首次连接直接采用, 不拨号。
	Conn Conn

	Reconnect         ReconnectMode
	OpenRetries       int
	OpenRetryDelay    time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	LockTimeout       time.Duration
	PingInterval      time.Duration // 0 = 不保活

	// StripOptions 连接成功后从对外可见参数中移除的键 (如 password)。
	StripOptions []string
	// Tunnel 可选: 拨号前建立 / 重新认证网络隧道。
	Tunnel *TunnelTask
	// ForceDetect 忽略缓存, 每次连接重新探测能力。
	ForceDetect bool
	// Setup 附加的自定义 setup 任务, 排在内置任务之后。
	Setup []SetupTask

	Data        map[string]any
	OnTaskState func(taskID string, state TaskState)
	QueueSize   int
}

func (c *Config) applyDefaults() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.OpenRetries <= 0 {
		c.OpenRetries = DefaultOpenRetries
	}
	if c.OpenRetryDelay == 0 {
		c.OpenRetryDelay = DefaultOpenRetryDelay
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
}

// Stats 诊断信息快照。
type Stats struct {
	LastError         string        `json:"last_error,omitempty"`
	LastExecutionTime time.Duration `json:"last_execution_time"`
	RowsAffected      int64         `json:"rows_affected"`
	LastInsertID      int64         `json:"last_insert_id"`
	Executions        int64         `json:"executions"`
	Reconnects        int64         `json:"reconnects"`
}

type task struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	fn        func(ctx context.Context) (*Result, error)
	done      func(*Result, error)
	cancelled atomic.Bool
}

// Session 数据库会话。
//
// 锁职责:
//   - mu: options / live / data / info / stats / pending
//   - lock: 独占借用 (LockUsage), 与 mu 无关
//   - conn / txDepth 写入只发生在 owner goroutine
type Session struct {
	id     string
	cfg    Config
	driver Driver
	setup  []SetupTask

	tasks     chan *task
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	conn        Conn
	initialConn Conn
	txDepth     atomic.Int32
	state       atomic.Int32
	lock        chan struct{}

	mu      sync.Mutex
	options Options // 完整参数 (重连用)
	live    Options // 剥离后的对外参数
	data    map[string]any
	info    Info
	stats   Stats
	pending map[string][]*task
}

// Open 建立会话: 启动 owner goroutine 并同步完成首次连接。
// 首次连接对 ClassOpen 类错误最多尝试 OpenRetries 次, 其它错误立即失败。
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Driver == nil {
		return nil, apperrors.New("Session.Open", "driver is required")
	}
	cfg.applyDefaults()

	s := &Session{
		id:          cfg.ID,
		cfg:         cfg,
		driver:      cfg.Driver,
		tasks:       make(chan *task, cfg.QueueSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		initialConn: cfg.Conn,
		lock:        make(chan struct{}, 1),
		options:     cfg.Options.Clone(),
		data:        make(map[string]any, len(cfg.Data)),
		pending:     make(map[string][]*task),
	}
	for k, v := range cfg.Data {
		s.data[k] = v
	}
	s.setup = buildSetupPipeline(cfg)
	go s.loop()

	_, err := s.Do(ctx, "", func(ctx context.Context, _ Execer) (*Result, error) {
		return nil, s.openWithRetry(ctx)
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	logger.Info("dbsession: opened",
		logger.FieldDBSession, s.id,
		logger.FieldDriver, s.driver.Name())
	return s, nil
}

// ID 会话标识。
func (s *Session) ID() string { return s.id }

// DriverName 驱动名。
func (s *Session) DriverName() string { return s.driver.Name() }

// State 当前连接状态。
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		logger.Debug("dbsession: state change",
			logger.FieldDBSession, s.id,
			logger.FieldState, st.String())
	}
}

// ========================================
// owner goroutine
// ========================================

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case t := <-s.tasks:
			s.runTask(t)
		case <-s.quit:
			s.shutdown()
			return
		}
	}
}

func (s *Session) runTask(t *task) {
	if t.cancelled.Load() || t.ctx.Err() != nil {
		s.notify(t.id, TaskCancelled)
		s.forget(t)
		t.finish(nil, cancelledErr(t.id))
		return
	}
	s.notify(t.id, TaskStarted)
	res, err := t.fn(t.ctx)
	if t.cancelled.Load() {
		s.notify(t.id, TaskCancelled)
		if err != nil {
			err = cancelledErr(t.id)
		}
	} else {
		s.notify(t.id, TaskFinished)
	}
	s.forget(t)
	t.finish(res, err)
}

func (s *Session) shutdown() {
	for {
		select {
		case t := <-s.tasks:
			s.forget(t)
			t.finish(nil, ErrClosed)
			continue
		default:
		}
		break
	}
	for _, st := range s.setup {
		st.OnClose(s)
	}
	s.closeConn()
	s.setState(StateDisconnected)
	logger.Info("dbsession: closed", logger.FieldDBSession, s.id)
}

func (t *task) finish(res *Result, err error) {
	t.cancel()
	if t.done != nil {
		t.done(res, err)
	}
}

func (s *Session) notify(id string, st TaskState) {
	if id == "" || s.cfg.OnTaskState == nil {
		return
	}
	s.cfg.OnTaskState(id, st)
}

func cancelledErr(id string) error {
	return apperrors.WithCode(apperrors.ErrCancelled, "Session.Task", apperrors.CodeCancelled,
		fmt.Sprintf("task %q was cancelled", id))
}

// ========================================
// 任务队列
// ========================================

// Submit 异步提交任务。id 通常为发起请求的 request_id, 可用于 Cancel。
// done 在 owner goroutine 上回调, 不得阻塞。fn 内不得再调用本会话的同步方法。
func (s *Session) Submit(ctx context.Context, id string, fn TaskFunc, done func(*Result, error)) error {
	tctx, cancel := context.WithCancel(ctx)
	t := &task{id: id, ctx: tctx, cancel: cancel, done: done}
	t.fn = func(ctx context.Context) (*Result, error) {
		return fn(ctx, &runner{s: s})
	}
	return s.enqueue(ctx, t)
}

func (s *Session) enqueue(ctx context.Context, t *task) error {
	select {
	case <-s.quit:
		t.cancel()
		return ErrClosed
	default:
	}
	s.track(t)
	select {
	case s.tasks <- t:
		return nil
	case <-s.quit:
	case <-ctx.Done():
	}
	s.forget(t)
	t.cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrClosed
}

type taskResult struct {
	res *Result
	err error
}

// Do 提交任务并等待完成。
func (s *Session) Do(ctx context.Context, id string, fn TaskFunc) (*Result, error) {
	ch := make(chan taskResult, 1)
	if err := s.Submit(ctx, id, fn, func(r *Result, err error) { ch <- taskResult{r, err} }); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.res, r.err
	case <-s.done:
		select {
		case r := <-ch:
			return r.res, r.err
		default:
			return nil, ErrClosed
		}
	}
}

func (s *Session) track(t *task) {
	if t.id == "" {
		return
	}
	s.mu.Lock()
	s.pending[t.id] = append(s.pending[t.id], t)
	s.mu.Unlock()
}

func (s *Session) forget(t *task) {
	if t.id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.pending[t.id]
	for i, x := range list {
		if x == t {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.pending, t.id)
	} else {
		s.pending[t.id] = list
	}
}

// Cancel 取消 id 对应的排队 / 运行中任务。运行中的任务通过 context 协作取消。
// 返回是否找到任务。
func (s *Session) Cancel(taskID string) bool {
	s.mu.Lock()
	list := append([]*task(nil), s.pending[taskID]...)
	s.mu.Unlock()
	for _, t := range list {
		t.cancelled.Store(true)
		t.cancel()
	}
	if len(list) > 0 {
		logger.Info("dbsession: task cancelled",
			logger.FieldDBSession, s.id,
			logger.FieldTaskID, taskID)
	}
	return len(list) > 0
}

// HasTask 报告 id 对应任务是否仍在排队或运行。
func (s *Session) HasTask(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[taskID]) > 0
}

func (s *Session) cancelAll() {
	s.mu.Lock()
	var all []*task
	for _, list := range s.pending {
		all = append(all, list...)
	}
	s.mu.Unlock()
	for _, t := range all {
		t.cancelled.Store(true)
		t.cancel()
	}
}

// ========================================
// 同步语句 API
// ========================================

// Query 执行返回结果集的语句。
func (s *Session) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	return s.Do(ctx, "", func(ctx context.Context, x Execer) (*Result, error) {
		return x.Query(ctx, query, args...)
	})
}

// Exec 执行不返回结果集的语句。
func (s *Session) Exec(ctx context.Context, query string, args ...any) (*Result, error) {
	return s.Do(ctx, "", func(ctx context.Context, x Execer) (*Result, error) {
		return x.Exec(ctx, query, args...)
	})
}

// Execute 按语句类型自动选择 Query / Exec。taskID 可为空。
func (s *Session) Execute(ctx context.Context, taskID, query string, args ...any) (*Result, error) {
	return s.Do(ctx, taskID, func(ctx context.Context, x Execer) (*Result, error) {
		if IsQuery(query) {
			return x.Query(ctx, query, args...)
		}
		return x.Exec(ctx, query, args...)
	})
}

// Ping 检查连接, 必要时按策略重连。
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.Do(ctx, "", func(ctx context.Context, x Execer) (*Result, error) {
		return nil, x.(*runner).ping(ctx)
	})
	return err
}

// Tx 在单个任务中原子执行 fn: BEGIN → fn → COMMIT, fn 出错时 ROLLBACK。
// 事务期间不自动重连。
func (s *Session) Tx(ctx context.Context, fn func(ctx context.Context, x Execer) error) error {
	_, err := s.Do(ctx, "", func(ctx context.Context, _ Execer) (*Result, error) {
		x := &runner{s: s, noRetry: true}
		if _, err := x.Exec(ctx, "BEGIN"); err != nil {
			return nil, err
		}
		if err := fn(ctx, x); err != nil {
			if _, rbErr := x.Exec(ctx, "ROLLBACK"); rbErr != nil {
				logger.Warn("dbsession: rollback failed",
					logger.FieldDBSession, s.id, logger.FieldError, rbErr)
			}
			return nil, err
		}
		_, err := x.Exec(ctx, "COMMIT")
		return nil, err
	})
	return err
}

// StartTransaction 开启用户事务 (跨多个任务), 深度 +1。
func (s *Session) StartTransaction(ctx context.Context) error {
	_, err := s.Do(ctx, "", func(ctx context.Context, x Execer) (*Result, error) {
		if _, err := x.Exec(ctx, "BEGIN"); err != nil {
			return nil, err
		}
		s.txDepth.Add(1)
		return nil, nil
	})
	return err
}

// Commit 提交用户事务, 深度 -1 (不低于 0)。
func (s *Session) Commit(ctx context.Context) error {
	return s.endTransaction(ctx, "COMMIT")
}

// Rollback 回滚用户事务, 深度 -1 (不低于 0)。
func (s *Session) Rollback(ctx context.Context) error {
	return s.endTransaction(ctx, "ROLLBACK")
}

func (s *Session) endTransaction(ctx context.Context, stmt string) error {
	_, err := s.Do(ctx, "", func(ctx context.Context, x Execer) (*Result, error) {
		_, err := x.Exec(ctx, stmt)
		if d := s.txDepth.Load(); d > 0 {
			s.txDepth.Store(d - 1)
		}
		return nil, err
	})
	return err
}

// TransactionDepth 当前用户事务深度。
func (s *Session) TransactionDepth() int { return int(s.txDepth.Load()) }

// Reconnect 用户发起的重连: 只尝试一次。opts 非 nil 时替换连接参数。
func (s *Session) Reconnect(ctx context.Context, opts Options) error {
	_, err := s.Do(ctx, "", func(ctx context.Context, _ Execer) (*Result, error) {
		if opts != nil {
			s.mu.Lock()
			s.options = opts.Clone()
			s.mu.Unlock()
		}
		return nil, s.reconnect(ctx, 1)
	})
	return err
}

// LockUsage 独占借用会话, 超过 LockTimeout 未获得则报错。返回的 release 可重复调用。
func (s *Session) LockUsage(ctx context.Context) (release func(), err error) {
	timer := time.NewTimer(s.cfg.LockTimeout)
	defer timer.Stop()
	select {
	case s.lock <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s.lock }) }, nil
	case <-timer.C:
		logger.Error("dbsession: lock acquisition timed out",
			logger.FieldDBSession, s.id, "timeout", s.cfg.LockTimeout)
		return nil, apperrors.WithCode(apperrors.ErrTimeout, "Session.LockUsage", apperrors.CodeDB,
			fmt.Sprintf("could not acquire the usage lock of database session %s within %s", s.id, s.cfg.LockTimeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close 取消所有任务, 关闭物理连接并等待 owner goroutine 退出。可重复调用。
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancelAll()
		close(s.quit)
	})
	<-s.done
	return nil
}

// ========================================
// 诊断 / 数据
// ========================================

// Stats 诊断快照。
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// LastError 最近一次语句错误 (成功执行后清空)。
func (s *Session) LastError() string { return s.Stats().LastError }

// Info 当前连接元数据。
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Options 对外可见的连接参数 (已剥离敏感键)。
func (s *Session) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == nil {
		return s.options.Clone()
	}
	return s.live.Clone()
}

// Data 读取会话级数据 (跨重连保留)。
func (s *Session) Data(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// SetData 写入会话级数据。
func (s *Session) SetData(key string, v any) {
	s.mu.Lock()
	s.data[key] = v
	s.mu.Unlock()
}

// Status 汇总状态, 供 get_status 类命令返回。
func (s *Session) Status() map[string]any {
	st := s.Stats()
	info := s.Info()
	return map[string]any{
		"id":                   s.id,
		"driver":               s.driver.Name(),
		"state":                s.State().String(),
		"transaction_depth":    s.TransactionDepth(),
		"connection_id":        info.ConnectionID,
		"server_version":       info.ServerVersion,
		"last_error":           st.LastError,
		"last_execution_time":  st.LastExecutionTime.Seconds(),
		"rows_affected":        st.RowsAffected,
		"last_insert_id":       st.LastInsertID,
		"executions":           st.Executions,
		"automatic_reconnects": st.Reconnects,
	}
}

// ========================================
// 连接 / 重连 (仅 owner goroutine)
// ========================================

func (s *Session) openWithRetry(ctx context.Context) error {
	attempt := 0
	op := func() error {
		attempt++
		err := s.connect(ctx, StateConnecting)
		if err == nil {
			return nil
		}
		if s.driver.Classify(err) != ClassOpen {
			return backoff.Permanent(err)
		}
		logger.Warn("dbsession: transient open error",
			logger.FieldDBSession, s.id,
			logger.FieldAttempt, attempt,
			logger.FieldError, err)
		return err
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.OpenRetryDelay), uint64(s.cfg.OpenRetries-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		s.setState(StateDisconnected)
		return apperrors.WithCode(err, "Session.Open", apperrors.CodeDBConnection, "could not open database session")
	}
	return nil
}

func (s *Session) reconnect(ctx context.Context, attempts int) error {
	s.closeConn()
	attempt := 0
	op := func() error {
		attempt++
		logger.Info("dbsession: reconnecting",
			logger.FieldDBSession, s.id,
			logger.FieldAttempt, attempt,
			logger.FieldMax, attempts)
		return s.connect(ctx, StateReconnecting)
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.ReconnectDelay), uint64(attempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		s.setState(StateDisconnected)
		logger.Error("dbsession: reconnect failed",
			logger.FieldDBSession, s.id, logger.FieldError, err)
		return apperrors.WithCode(err, "Session.Reconnect", apperrors.CodeDBConnection, "could not reconnect")
	}
	s.txDepth.Store(0)
	s.mu.Lock()
	s.stats.Reconnects++
	s.mu.Unlock()
	return nil
}

func (s *Session) connect(ctx context.Context, st State) error {
	s.setState(st)
	s.mu.Lock()
	opts := s.options.Clone()
	s.info = Info{}
	s.mu.Unlock()

	for _, t := range s.setup {
		if err := t.BeforeConnect(ctx, s, opts); err != nil {
			return apperrors.Wrapf(err, "Session.connect", "setup task %s", t.Name())
		}
	}

	conn := s.initialConn
	s.initialConn = nil
	if conn == nil {
		var err error
		if conn, err = s.driver.Dial(ctx, opts); err != nil {
			return err
		}
	}
	s.conn = conn
	s.mu.Lock()
	s.live = opts
	s.mu.Unlock()

	for _, t := range s.setup {
		if err := t.AfterConnect(ctx, s, conn); err != nil {
			s.closeConn()
			return apperrors.Wrapf(err, "Session.connect", "setup task %s", t.Name())
		}
	}
	s.setState(StateConnected)
	return nil
}

func (s *Session) closeConn() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		logger.Debug("dbsession: close conn", logger.FieldDBSession, s.id, logger.FieldError, err)
	}
	s.conn = nil
}

func (s *Session) setInfo(info Info) {
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()
}

func (s *Session) setLiveOptions(opts Options) {
	s.mu.Lock()
	s.live = opts
	s.mu.Unlock()
}

// ========================================
// runner — 任务内的语句执行器
// ========================================

type runner struct {
	s       *Session
	noRetry bool
}

func (r *runner) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	return r.run(ctx, query, args, true)
}

func (r *runner) Exec(ctx context.Context, query string, args ...any) (*Result, error) {
	return r.run(ctx, query, args, false)
}

// run 执行一条语句。可重连错误触发重连, 重连成功后 (非事务中) 重试一次。
func (r *runner) run(ctx context.Context, query string, args []any, isQuery bool) (*Result, error) {
	s := r.s
	if err := r.ensureConn(ctx); err != nil {
		return nil, err
	}
	if len(args) > 0 {
		query = sqlx.Rebind(s.driver.BindType(), query)
	}

	res, err := r.call(ctx, query, args, isQuery)
	if err != nil && !r.noRetry && ctx.Err() == nil && s.cfg.Reconnect.reconnectable(s.driver.Classify(err)) {
		inTx := s.txDepth.Load() > 0
		logger.Warn("dbsession: connection lost, reconnecting",
			logger.FieldDBSession, s.id, logger.FieldError, err)
		if rcErr := s.reconnect(ctx, s.cfg.ReconnectAttempts); rcErr != nil {
			r.record(0, nil, rcErr)
			return nil, rcErr
		}
		if inTx {
			return nil, apperrors.WithCode(err, "Session.Execute", apperrors.CodeDBConnection,
				"connection was re-established but the open transaction was lost")
		}
		res, err = r.call(ctx, query, args, isQuery)
	}
	return res, err
}

func (r *runner) call(ctx context.Context, query string, args []any, isQuery bool) (*Result, error) {
	start := time.Now()
	var (
		res *Result
		err error
	)
	if isQuery {
		res, err = r.s.conn.Query(ctx, query, args...)
	} else {
		res, err = r.s.conn.Exec(ctx, query, args...)
	}
	r.record(time.Since(start), res, err)
	return res, err
}

func (r *runner) record(elapsed time.Duration, res *Result, err error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Executions++
	s.stats.LastExecutionTime = elapsed
	if err != nil {
		s.stats.LastError = err.Error()
		return
	}
	s.stats.LastError = ""
	if res != nil {
		s.stats.RowsAffected = res.RowsAffected
		if res.LastInsertID != 0 {
			s.stats.LastInsertID = res.LastInsertID
		}
	}
}

func (r *runner) ensureConn(ctx context.Context) error {
	s := r.s
	if s.conn != nil {
		return nil
	}
	if r.noRetry || s.cfg.Reconnect == ReconnectNone {
		return apperrors.WithCode(apperrors.ErrNotConnected, "Session.Execute", apperrors.CodeDBConnection,
			fmt.Sprintf("database session %s is not connected", s.id))
	}
	return s.reconnect(ctx, s.cfg.ReconnectAttempts)
}

func (r *runner) ping(ctx context.Context) error {
	s := r.s
	if err := r.ensureConn(ctx); err != nil {
		return err
	}
	err := s.conn.Ping(ctx)
	if err != nil && s.cfg.Reconnect.reconnectable(s.driver.Classify(err)) {
		return s.reconnect(ctx, s.cfg.ReconnectAttempts)
	}
	return err
}
