// application/scheduler/scheduler.go
package scheduler

import (
	"context"
	"sync"
	"time"

	"crypto-market-sync/pkg/logger"
)

// defaultTimeout ограничивает выполнение задачи, у которой не задан свой лимит
const defaultTimeout = 5 * time.Minute

// Schedule определяет расписание задачи
type Schedule struct {
	// DailyAt: задача запускается раз в день в заданное UTC время
	// Every: задача запускается с заданным интервалом
	kind     scheduleKind
	hour     int
	minute   int
	interval time.Duration
}

type scheduleKind int

const (
	kindDaily    scheduleKind = iota // раз в сутки в HH:MM UTC
	kindInterval                     // каждые N единиц времени
)

// DailyAt создает расписание "каждый день в HH:MM UTC"
func DailyAt(hour, minute int) Schedule {
	return Schedule{kind: kindDaily, hour: hour, minute: minute}
}

// Every создает расписание "каждые N времени"
func Every(d time.Duration) Schedule {
	return Schedule{kind: kindInterval, interval: d}
}

// nextRun вычисляет время следующего запуска относительно now
func (s Schedule) nextRun(now time.Time) time.Time {
	switch s.kind {
	case kindDaily:
		next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		return next
	case kindInterval:
		return now.Add(s.interval)
	default:
		return now.Add(24 * time.Hour)
	}
}

// Job описывает одну планируемую задачу
type Job struct {
	Name        string
	Description string
	Schedule    Schedule
	Handler     func(ctx context.Context) error
	// Timeout ограничивает один запуск; 0 — лимит по умолчанию
	Timeout time.Duration

	mu      sync.Mutex
	nextRun time.Time
	lastRun time.Time
	lastErr error
	runs    int
	fails   int
	running bool
}

// Status возвращает текущее состояние задачи
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobStatus{
		Name:        j.Name,
		Description: j.Description,
		NextRun:     j.nextRun,
		LastRun:     j.lastRun,
		LastErr:     j.lastErr,
		Runs:        j.runs,
		Fails:       j.fails,
		Running:     j.running,
	}
}

// tryClaim атомарно решает, пора ли запускать задачу, и сразу двигает
// расписание: задача, не успевшая завершиться к своему следующему слоту,
// не запускается второй раз поверх себя.
func (j *Job) tryClaim(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running || now.Before(j.nextRun) {
		return false
	}
	j.running = true
	j.nextRun = j.Schedule.nextRun(now)
	return true
}

func (j *Job) finish(start time.Time, err error) time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.running = false
	j.lastRun = start
	j.lastErr = err
	j.runs++
	if err != nil {
		j.fails++
	}
	return j.nextRun
}

// JobStatus снапшот состояния задачи
type JobStatus struct {
	Name        string
	Description string
	NextRun     time.Time
	LastRun     time.Time
	LastErr     error
	Runs        int
	Fails       int
	Running     bool
}

// Scheduler управляет всеми периодическими задачами приложения
type Scheduler struct {
	jobs       []*Job
	resolution time.Duration
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// New создает планировщик. resolution — шаг проверки расписания;
// он должен быть не крупнее самого частого интервала задач.
func New(resolution time.Duration) *Scheduler {
	if resolution <= 0 {
		resolution = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		resolution: resolution,
		ctx:        ctx,
		cancel:     cancel,
		stopChan:   make(chan struct{}),
	}
}

// Register добавляет задачу в планировщик.
// Должен вызываться до Start().
func (s *Scheduler) Register(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.nextRun = job.Schedule.nextRun(time.Now().UTC())
	s.jobs = append(s.jobs, job)

	logger.Info("📋 [Scheduler] Зарегистрирована задача %q — первый запуск в %s",
		job.Name, job.nextRun.Format("2006-01-02 15:04:05 UTC"))
}

// Start запускает цикл планировщика в фоновой горутине
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	logger.Info("✅ [Scheduler] Запущен (%d задач, шаг %v)", len(s.jobs), s.resolution)
}

// Stop останавливает планировщик: отменяет контекст выполняющихся задач
// и ждёт их завершения
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.cancel()
	s.wg.Wait()
	logger.Info("🛑 [Scheduler] Остановлен")
}

// Jobs возвращает статус всех задач
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.RUnlock()

	statuses := make([]JobStatus, len(jobs))
	for i, j := range jobs {
		statuses[i] = j.Status()
	}
	return statuses
}

// loop — основной цикл: с шагом resolution проверяет, какие задачи пора запустить
func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()

	// первая проверка сразу при старте
	s.tick()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopChan:
			return
		}
	}
}

// tick запускает задачи, у которых наступило время
func (s *Scheduler) tick() {
	now := time.Now().UTC()

	s.mu.RLock()
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.RUnlock()

	for _, job := range jobs {
		if job.tryClaim(now) {
			s.wg.Add(1)
			go s.run(job)
		}
	}
}

// run выполняет одну задачу и обновляет её состояние
func (s *Scheduler) run(job *Job) {
	defer s.wg.Done()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	start := time.Now()
	err := job.Handler(ctx)
	elapsed := time.Since(start)

	nextRun := job.finish(start, err)

	if err != nil {
		logger.Error("❌ [Scheduler] Задача %q завершилась с ошибкой за %v: %v", job.Name, elapsed, err)
	} else {
		logger.Debug("✅ [Scheduler] Задача %q выполнена за %v. Следующий запуск: %s",
			job.Name, elapsed, nextRun.Format("2006-01-02 15:04:05 UTC"))
	}
}
