// Package session — авторизационный контекст воркера.
//
// Bearer token получает внешний помощник (браузерный login flow)
// и записывает его в env-файл. Session хранит текущий токен и
// монотонный счётчик поколений: in-flight вызовы, начатые со старым
// поколением, не затирают статус свежего токена при своих 401.
//
// Заменяет глобальный словарь cookies и перечитывание конфигурации:
// явный объект, передаваемый каждому компоненту, с явным Refresh.
package session

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// TokenKey — ключ bearer token в env-файле сессии.
const TokenKey = "BEARER_TOKEN"

// Session — разделяемое состояние авторизации одного воркера.
// Потокобезопасен.
type Session struct {
	mu      sync.Mutex
	token   string
	gen     uint64
	valid   bool
	validCh chan struct{} // закрывается при Refresh
}

// New создаёт сессию. Пустой токен означает «не авторизован».
func New(token string) *Session {
	s := &Session{
		token:   normalize(token),
		gen:     1,
		validCh: make(chan struct{}),
	}
	if s.token != "" {
		s.valid = true
		close(s.validCh)
	}
	return s
}

// Token возвращает текущий токен и его поколение.
// Поколение передаётся в MarkExpired при получении 401.
func (s *Session) Token() (string, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.gen
}

// Valid возвращает true, если сессия считается действительной.
func (s *Session) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

// MarkExpired помечает сессию истёкшей.
//
// Учитывается только 401 от вызова, начатого с текущим поколением:
// устаревший in-flight вызов не может инвалидировать свежий токен.
// Возвращает true, если переход valid→expired произошёл именно сейчас
// (вызывающий — первый, кто должен эскалировать обновление).
func (s *Session) MarkExpired(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || !s.valid {
		return false
	}
	s.valid = false
	s.validCh = make(chan struct{})
	return true
}

// Refresh устанавливает новый токен и увеличивает поколение.
// Все ожидающие WaitValid просыпаются.
func (s *Session) Refresh(token string) {
	token = normalize(token)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
	s.gen++
	if token != "" && !s.valid {
		s.valid = true
		close(s.validCh)
	}
}

// WaitValid блокирует до появления действительной сессии
// или отмены контекста.
func (s *Session) WaitValid(ctx context.Context) error {
	s.mu.Lock()
	if s.valid {
		s.mu.Unlock()
		return nil
	}
	ch := s.validCh
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReloadFromFile перечитывает токен из env-файла помощника.
//
// Возвращает true, если токен изменился и сессия была обновлена.
// Неизменённый токен — не обновление: после 401 файл всё ещё
// содержит протухший токен, и его повторное принятие вернуло бы
// воркер к отправке с мёртвой сессией. Отсутствующий файл или
// пустой токен — не ошибка: помощник мог ещё не завершить
// login flow.
func (s *Session) ReloadFromFile(path string) (bool, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	token := normalize(env[TokenKey])
	if token == "" {
		return false, nil
	}

	s.mu.Lock()
	unchanged := token == s.token
	s.mu.Unlock()
	if unchanged {
		return false, nil
	}

	s.Refresh(token)
	return true, nil
}

// normalize приводит токен к виду "Bearer <jwt>".
func normalize(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	if !strings.HasPrefix(token, "Bearer ") {
		return "Bearer " + token
	}
	return token
}
