package rules

import (
	"regexp"
	"sync"
)

type regexStore struct {
	mu sync.RWMutex
	m  map[string]*regexp.Regexp
}

var regexCache = &regexStore{m: make(map[string]*regexp.Regexp)}

// Get 获取已编译的正则，未命中时编译并缓存
func (s *regexStore) Get(pattern string) (*regexp.Regexp, error) {
	s.mu.RLock()
	re, ok := s.m[pattern]
	s.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.m[pattern] = re
	s.mu.Unlock()
	return re, nil
}
